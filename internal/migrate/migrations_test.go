package migrate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "tm.db")})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, dialect))
	require.NoError(t, Migrate(conn, dialect))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)

	for _, table := range []string{"listings", "profiles", "profile_categories", "transactions", "reviews", "events", "api_keys"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestBothDialectsShipSameVersions(t *testing.T) {
	lite, err := loadMigrations(db.DialectSQLite)
	require.NoError(t, err)
	pg, err := loadMigrations(db.DialectPostgres)
	require.NoError(t, err)
	require.Equal(t, len(lite), len(pg))
	for i := range lite {
		assert.Equal(t, lite[i].Version, pg[i].Version)
	}
}

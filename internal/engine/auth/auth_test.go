package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/credentials"
	"taskmarket/internal/process"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func verifier() Verifier {
	return Verifier{SessionSecret: "s", ElevatedSecret: "e", Now: func() time.Time { return now }}
}

func TestAuthenticate(t *testing.T) {
	v := verifier()
	session, err := credentials.MintSession("s", "t", "u1", time.Hour, now)
	require.NoError(t, err)
	c, err := v.Authenticate(session)
	require.NoError(t, err)
	assert.Equal(t, Caller{Subject: "u1"}, c)

	iss := credentials.Issuer{SessionSecret: "s", ElevatedSecret: "e", TTL: time.Minute, Now: func() time.Time { return now }}
	cred, err := iss.System()
	require.NoError(t, err)
	c, err = v.Authenticate(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, Caller{Subject: process.SystemActor, Elevated: true}, c)

	_, err = v.Authenticate("")
	var unauth UnauthenticatedError
	assert.True(t, errors.As(err, &unauth))

	systemSession, err := credentials.MintSession("s", "t", process.SystemActor, time.Hour, now)
	require.NoError(t, err)
	_, err = v.Authenticate(systemSession)
	assert.Error(t, err)
}

func TestRequireTransition(t *testing.T) {
	user := Caller{Subject: "u"}
	elevated := Caller{Subject: "u", Elevated: true}

	var forbidden ForbiddenError
	assert.True(t, errors.As(RequireTransition(user, process.TransitionAcceptOffer, process.RoleOwner), &forbidden))
	assert.Equal(t, "elevated:ACCEPT_OFFER", forbidden.Permission)
	assert.NoError(t, RequireTransition(elevated, process.TransitionAcceptOffer, process.RoleOwner))
	assert.NoError(t, RequireTransition(user, process.TransitionComplete, process.RoleOwner))
	assert.Error(t, RequireTransition(user, process.TransitionExpireReviewPeriod, process.RoleSystem))
}

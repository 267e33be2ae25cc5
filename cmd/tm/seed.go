package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskmarket/internal/app"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
)

// seedFile is the YAML fixture loaded by `tm engine seed`.
type seedFile struct {
	Listings []struct {
		ID          string   `yaml:"id"`
		Poster      string   `yaml:"poster"`
		Title       string   `yaml:"title"`
		Description string   `yaml:"description"`
		Category    string   `yaml:"category"`
		Subcategory string   `yaml:"subcategory"`
		Price       string   `yaml:"price"`
		Currency    string   `yaml:"currency"`
		UnitType    string   `yaml:"unit_type"`
		Images      []string `yaml:"images"`
	} `yaml:"listings"`
	Profiles []struct {
		ID         string   `yaml:"id"`
		Name       string   `yaml:"name"`
		Verified   bool     `yaml:"verified"`
		Categories []string `yaml:"categories"`
	} `yaml:"profiles"`
}

const seedExample = `listings:
  - id: fix-sink
    poster: alice
    title: Fix a leaking sink
    category: plumbing
profiles:
  - id: bob
    name: Bob the plumber
    verified: true
    categories: [plumbing]
`

func engineSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "seed",
		Short:   "Load listings and specialist profiles from a YAML file",
		Example: "tm engine seed --file seed.yml\n\n" + seedExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var seed seedFile
			if err := yaml.Unmarshal(data, &seed); err != nil {
				return fmt.Errorf("invalid seed yaml: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, conn, err := app.OpenLocalEngine(cfg, time.Now)
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			for _, p := range seed.Profiles {
				if _, err := e.UpsertProfile(ctx, domain.Profile{
					ID:           p.ID,
					DisplayName:  p.Name,
					Categories:   p.Categories,
					Verification: domain.Verified(p.Verified),
				}); err != nil {
					return fmt.Errorf("profile %s: %w", p.ID, err)
				}
			}
			for _, l := range seed.Listings {
				opts := engine.ListingCreateOptions{
					ID:          l.ID,
					PosterID:    l.Poster,
					Title:       l.Title,
					Description: l.Description,
					Category:    l.Category,
					Subcategory: l.Subcategory,
					UnitType:    l.UnitType,
					Images:      l.Images,
				}
				if l.Price != "" {
					price, err := domain.NewMoney(l.Price, l.Currency)
					if err != nil {
						return fmt.Errorf("listing %s: %w", l.ID, err)
					}
					opts.Price = &price
				}
				if _, err := e.CreateListing(ctx, opts); err != nil {
					return fmt.Errorf("listing %s: %w", l.ID, err)
				}
			}
			return printJSONOrTable(map[string]int{"profiles": len(seed.Profiles), "listings": len(seed.Listings)})
		},
	}
	cmd.Flags().StringVar(&file, "file", "seed.yml", "seed file")
	return cmd
}

// Package catalog loads the story categories, category characters, morals and
// location suggestions offered by the wizard.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/traumfunke/storyflow/internal/models"
)

//go:embed default.yaml
var defaultYAML []byte

// Seeder is the part of store.Store that receives catalog data.
type Seeder interface {
	SeedCatalog(c models.Catalog) error
}

// Default returns the built-in catalog.
func Default() models.Catalog {
	c, err := Parse(bytes.NewReader(defaultYAML))
	if err != nil {
		// The embedded file is covered by tests.
		panic(fmt.Sprintf("catalog: invalid built-in catalog: %v", err))
	}
	return c
}

// DefaultLocations returns the built-in location suggestions.
func DefaultLocations() []models.LocationSuggestion {
	return Default().Locations
}

// Load reads a catalog file. An empty path returns the built-in catalog. A file
// without locations gets the default suggestions.
func Load(path string) (models.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		slog.Debug("catalog.Load: no catalog file, using built-in catalog")
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return models.Catalog{}, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return models.Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	if len(c.Locations) == 0 {
		c.Locations = DefaultLocations()
	}
	slog.Info("catalog.Load: loaded catalog", "path", path, "categories", len(c.Categories),
		"characters", len(c.CategoryCharacters), "morals", len(c.Morals), "locations", len(c.Locations))
	return c, nil
}

// Parse decodes and validates a YAML catalog. Unknown keys are rejected.
func Parse(r io.Reader) (models.Catalog, error) {
	var c models.Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return models.Catalog{}, fmt.Errorf("decode: %w", err)
	}
	if err := Validate(c); err != nil {
		return models.Catalog{}, err
	}
	return c, nil
}

// Validate checks ids are present and unique and that every character belongs to
// a known category.
func Validate(c models.Catalog) error {
	categories := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.ID == "" || strings.TrimSpace(cat.Name) == "" {
			return fmt.Errorf("category %q: id and name are required", cat.ID)
		}
		if categories[cat.ID] {
			return fmt.Errorf("duplicate category id %q", cat.ID)
		}
		categories[cat.ID] = true
	}
	seen := make(map[string]bool, len(c.CategoryCharacters))
	for _, ch := range c.CategoryCharacters {
		if ch.ID == "" || strings.TrimSpace(ch.Name) == "" {
			return fmt.Errorf("category character %q: id and name are required", ch.ID)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate category character id %q", ch.ID)
		}
		seen[ch.ID] = true
		if !categories[ch.CategoryID] {
			return fmt.Errorf("category character %q references unknown category %q", ch.ID, ch.CategoryID)
		}
	}
	morals := make(map[string]bool, len(c.Morals))
	for _, m := range c.Morals {
		if m.ID == "" || strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("moral %q: id and text are required", m.ID)
		}
		if morals[m.ID] {
			return fmt.Errorf("duplicate moral id %q", m.ID)
		}
		morals[m.ID] = true
	}
	for i, l := range c.Locations {
		if strings.TrimSpace(l.Label) == "" {
			return fmt.Errorf("location %d: label is required", i)
		}
		if len([]rune(l.Label)) > models.MaxLocationLength {
			return fmt.Errorf("location %q: %w", l.Label, models.ErrLocationTooLong)
		}
	}
	return nil
}

// Seed writes the catalog into the store.
func Seed(s Seeder, c models.Catalog) error {
	if err := s.SeedCatalog(c); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	slog.Info("catalog.Seed: catalog seeded", "categories", len(c.Categories), "morals", len(c.Morals))
	return nil
}

package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if len(c.Categories) == 0 || len(c.Morals) == 0 || len(c.CategoryCharacters) == 0 {
		t.Fatalf("built-in catalog is incomplete: %+v", c)
	}
	want := []string{"forest", "beach", "space", "castle", "water", "mountains"}
	if len(c.Locations) != len(want) {
		t.Fatalf("expected %d locations, got %d", len(want), len(c.Locations))
	}
	for i, w := range want {
		if !strings.Contains(strings.ToLower(c.Locations[i].Label), w) {
			t.Errorf("location %d = %q, want it to mention %q", i, c.Locations[i].Label, w)
		}
	}
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Categories) != len(Default().Categories) {
		t.Errorf("categories = %d", len(c.Categories))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
categories:
  - id: c1
    slug: sea
    name: Sea
    sort_order: 1
category_characters:
  - id: ch1
    category_id: c1
    name: Octopus
morals:
  - id: m1
    slug: kindness
    text: Be kind
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Categories) != 1 || c.Categories[0].Slug != "sea" {
		t.Errorf("categories = %+v", c.Categories)
	}
	if len(c.CategoryCharacters) != 1 || c.CategoryCharacters[0].CategoryID != "c1" {
		t.Errorf("characters = %+v", c.CategoryCharacters)
	}
	if len(c.Locations) != len(DefaultLocations()) {
		t.Errorf("file without locations should get the defaults, got %d", len(c.Locations))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := map[string]string{
		"unknown key":        "categoriez: []\n",
		"duplicate category": "categories:\n  - {id: a, name: A}\n  - {id: a, name: B}\n",
		"orphan character":   "category_characters:\n  - {id: x, category_id: missing, name: X}\n",
		"moral without text": "morals:\n  - {id: m}\n",
		"empty location":     "locations:\n  - {label: \"\"}\n",
		"long location":      "locations:\n  - {label: \"" + strings.Repeat("a", models.MaxLocationLength+1) + "\"}\n",
		"bad yaml":           "categories: [\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(doc)); err == nil {
				t.Errorf("expected an error for %q", doc)
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.Categories) != 0 {
		t.Errorf("categories = %+v", c.Categories)
	}
}

func TestSeed(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := Seed(st, Default()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	cats, err := st.ListCategories()
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	if len(cats) != len(Default().Categories) {
		t.Errorf("categories = %d", len(cats))
	}
	chars, err := st.ListCategoryCharacters("cat-magic")
	if err != nil {
		t.Fatalf("ListCategoryCharacters: %v", err)
	}
	if len(chars) != 2 {
		t.Errorf("magic characters = %d, want 2", len(chars))
	}
}

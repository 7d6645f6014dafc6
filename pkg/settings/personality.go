package settings

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Personality is one entry of the profile catalog.
type Personality struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	SystemPrompt string `yaml:"systemPrompt" json:"systemPrompt"`
	Description  string `yaml:"description" json:"description"`
	Language     string `yaml:"language" json:"language"`
}

// Catalog is the ordered list of selectable personalities.
type Catalog struct {
	Personalities []Personality `yaml:"personalities"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("settings: open catalog %q: %w", path, err)
	}
	defer f.Close()
	return LoadCatalogFromReader(f)
}

// LoadCatalogFromReader decodes a catalog and rejects duplicate or empty ids.
func LoadCatalogFromReader(r io.Reader) (*Catalog, error) {
	c := &Catalog{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("settings: decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Personalities))
	for i, p := range c.Personalities {
		if p.ID == "" {
			return nil, fmt.Errorf("settings: personality %d has no id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("settings: duplicate personality id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return c, nil
}

// Find looks up a personality by id.
func (c *Catalog) Find(id string) (Personality, bool) {
	if c == nil {
		return Personality{}, false
	}
	for _, p := range c.Personalities {
		if p.ID == id {
			return p, true
		}
	}
	return Personality{}, false
}

// Apply returns s with the personality's prompt and language selected.
func (p Personality) Apply(s Settings) Settings {
	s.PersonalityID = p.ID
	if p.SystemPrompt != "" {
		s.SystemPrompt = p.SystemPrompt
	}
	if p.Language != "" {
		s.AILanguage = p.Language
	}
	return s
}

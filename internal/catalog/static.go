package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

// Static serves a menu loaded from a YAML document. It backs local
// development and the smoke CLI when no POS credentials are configured.
type Static struct {
	items []Item
}

type menuFile struct {
	Items []menuItem `yaml:"items"`
}

type menuItem struct {
	ID            string             `yaml:"id"`
	Name          string             `yaml:"name"`
	Description   string             `yaml:"description"`
	Price         string             `yaml:"price"`
	Category      string             `yaml:"category"`
	SoldOut       bool               `yaml:"soldOut"`
	ModifierLists []menuModifierList `yaml:"modifierLists"`
}

type menuModifierList struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Modifiers []menuModifier `yaml:"modifiers"`
}

type menuModifier struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Price string `yaml:"price"`
}

// LoadStatic reads a YAML menu file from disk.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu file: %w", err)
	}
	return ParseStatic(data)
}

// ParseStatic builds a Static provider from YAML bytes. Prices are dollar
// amounts ("12.50" or 12.5).
func ParseStatic(data []byte) (*Static, error) {
	var doc menuFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse menu: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Items))
	items := make([]Item, 0, len(doc.Items))
	for _, raw := range doc.Items {
		id := strings.TrimSpace(raw.ID)
		if id == "" {
			return nil, errors.New("parse menu: item without id")
		}
		if !ValidID(id) {
			return nil, fmt.Errorf("parse menu: item id %q must not contain %q", id, reservedIDChars)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("parse menu: duplicate item %q", id)
		}
		seen[id] = struct{}{}
		price, err := pricing.ParseDollars(valueOr(raw.Price, "0"))
		if err != nil {
			return nil, fmt.Errorf("parse menu: item %q: %w", id, err)
		}
		item := Item{
			ID:          id,
			Name:        raw.Name,
			Description: raw.Description,
			Price:       price,
			Category:    raw.Category,
			InStock:     !raw.SoldOut,
		}
		for _, list := range raw.ModifierLists {
			ml := ModifierList{ID: list.ID, Name: list.Name}
			for _, mod := range list.Modifiers {
				if !ValidID(mod.ID) {
					return nil, fmt.Errorf("parse menu: item %q: invalid modifier id %q", id, mod.ID)
				}
				mp, err := pricing.ParseDollars(valueOr(mod.Price, "0"))
				if err != nil {
					return nil, fmt.Errorf("parse menu: modifier %q: %w", mod.ID, err)
				}
				ml.Modifiers = append(ml.Modifiers, Modifier{ID: mod.ID, Name: mod.Name, Price: mp})
			}
			item.ModifierLists = append(item.ModifierLists, ml)
		}
		items = append(items, item)
	}
	return &Static{items: items}, nil
}

// List implements Provider.
func (s *Static) List(context.Context) ([]Item, error) {
	if s == nil {
		return nil, errors.New("static catalog not configured")
	}
	obs.CatalogFetchTotal.WithLabelValues("static", "ok").Inc()
	return append([]Item(nil), s.items...), nil
}

// Get implements Provider.
func (s *Static) Get(_ context.Context, id string) (Item, error) {
	if s == nil {
		return Item{}, errors.New("static catalog not configured")
	}
	return findItem(s.items, id)
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/noah-isme/backend-resto/internal/pricing"
)

// ErrNotFound is returned when a menu item does not exist.
var ErrNotFound = errors.New("catalog: item not found")

// reservedIDChars separate item and modifier ids inside cart line keys.
const reservedIDChars = "|,"

// ValidID reports whether id can name an item or modifier. Ids must be
// non-empty and free of the line-key separators "|" and ",".
func ValidID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.ContainsAny(id, reservedIDChars)
}

// Modifier is a single selectable add-on with its own per-unit price.
type Modifier struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Price pricing.Money `json:"price"`
}

// ModifierList groups modifiers offered together (e.g. "Extra toppings").
type ModifierList struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Modifiers []Modifier `json:"modifiers"`
}

// Item is a menu entry as exposed to the storefront.
type Item struct {
	ID            string         `json:"id"`
	VariationID   string         `json:"variationId,omitempty"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Price         pricing.Money  `json:"price"`
	Category      string         `json:"category,omitempty"`
	InStock       bool           `json:"inStock"`
	ModifierLists []ModifierList `json:"modifierLists,omitempty"`
}

// Modifier looks up a modifier offered by any of the item's lists.
func (it Item) Modifier(id string) (Modifier, bool) {
	for _, list := range it.ModifierLists {
		for _, m := range list.Modifiers {
			if m.ID == id {
				return m, true
			}
		}
	}
	return Modifier{}, false
}

// Provider supplies menu data.
type Provider interface {
	List(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
}

func findItem(items []Item, id string) (Item, error) {
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return Item{}, ErrNotFound
}

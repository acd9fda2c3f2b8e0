package cart

import (
	"sort"
	"strings"
)

const (
	keySeparator      = "|"
	modifierSeparator = ","
)

// LineKey derives the identity of a cart line from the catalog item id and the
// selected modifiers. The same item with the same modifier set yields the same
// key regardless of selection order; an item without modifiers is keyed by its
// catalog id alone. Keys are unambiguous only for ids accepted by
// catalog.ValidID, which the cart enforces on every add.
func LineKey(itemID string, modifiers []Modifier) string {
	ids := modifierIDs(modifiers)
	if len(ids) == 0 {
		return itemID
	}
	return itemID + keySeparator + strings.Join(ids, modifierSeparator)
}

// modifierIDs returns the sorted, de-duplicated, non-empty modifier ids.
func modifierIDs(modifiers []Modifier) []string {
	if len(modifiers) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(modifiers))
	ids := make([]string, 0, len(modifiers))
	for _, m := range modifiers {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// dedupeModifiers drops empty and repeated modifier ids, keeping the first
// occurrence and the caller's selection order.
func dedupeModifiers(modifiers []Modifier) []Modifier {
	if len(modifiers) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(modifiers))
	out := make([]Modifier, 0, len(modifiers))
	for _, m := range modifiers {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// LineRef identifies a cart line either by catalog item id plus modifiers or
// by a literal line key.
type LineRef struct {
	ItemID    string
	Modifiers []Modifier
	Key       string
}

// KeyRef refers to a line by its stored key.
func KeyRef(key string) LineRef {
	return LineRef{Key: key}
}

// ItemRef refers to a line by catalog item id and modifier selection.
func ItemRef(itemID string, modifiers ...Modifier) LineRef {
	return LineRef{ItemID: itemID, Modifiers: modifiers}
}

// Resolve returns the line key the reference points at. When an item id is
// present the key is recomputed from it; otherwise Key is used verbatim, so a
// bare item id addresses the unmodified line of that item.
func (r LineRef) Resolve() string {
	if strings.TrimSpace(r.ItemID) != "" {
		return LineKey(strings.TrimSpace(r.ItemID), r.Modifiers)
	}
	return r.Key
}

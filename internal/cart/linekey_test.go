package cart_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/cart"
)

func TestLineKeyWithoutModifiersIsItemID(t *testing.T) {
	require.Equal(t, "burger", cart.LineKey("burger", nil))
	require.Equal(t, "burger", cart.LineKey("burger", []cart.Modifier{{ID: " "}}))
}

func TestLineKeyIgnoresSelectionOrderAndDuplicates(t *testing.T) {
	a := cart.LineKey("burger", []cart.Modifier{{ID: "cheese"}, {ID: "bacon"}})
	b := cart.LineKey("burger", []cart.Modifier{{ID: "bacon"}, {ID: "cheese"}, {ID: "bacon"}})
	require.Equal(t, a, b)
	require.Equal(t, "burger|bacon,cheese", a)
}

func TestLineKeyDiffersByModifierSet(t *testing.T) {
	plain := cart.LineKey("burger", nil)
	cheese := cart.LineKey("burger", []cart.Modifier{{ID: "cheese"}})
	both := cart.LineKey("burger", []cart.Modifier{{ID: "cheese"}, {ID: "bacon"}})
	require.NotEqual(t, plain, cheese)
	require.NotEqual(t, cheese, both)
}

func TestLineRefResolve(t *testing.T) {
	require.Equal(t, "burger|cheese", cart.ItemRef("burger", cart.Modifier{ID: "cheese"}).Resolve())
	require.Equal(t, "burger|cheese", cart.KeyRef("burger|cheese").Resolve())
	// a bare item id is taken literally and addresses the unmodified line
	require.Equal(t, "burger", cart.KeyRef("burger").Resolve())
}

func TestAddRejectsIDsThatWouldCollide(t *testing.T) {
	// "X" with {a, b}, "X" with {"a,b"} and "X|a" alone would otherwise all
	// share keys with ordinary selections.
	require.Equal(t, "X|a,b", cart.LineKey("X", []cart.Modifier{{ID: "a"}, {ID: "b"}}))
	require.Equal(t, "X|a", cart.LineKey("X", []cart.Modifier{{ID: "a"}}))

	c := cart.New(cart.Config{Key: "sess-1"})
	ctx := context.Background()

	_, err := c.AddItem(ctx, cart.Item{CatalogItemID: "X", Modifiers: []cart.Modifier{{ID: "a,b"}}})
	require.ErrorIs(t, err, cart.ErrInvalidInput)
	_, err = c.AddItem(ctx, cart.Item{CatalogItemID: "X|a"})
	require.ErrorIs(t, err, cart.ErrInvalidInput)
	require.True(t, c.State().Empty())

	_, err = c.AddItem(ctx, cart.Item{CatalogItemID: "X", Modifiers: []cart.Modifier{{ID: "a"}, {ID: "b"}}})
	require.NoError(t, err)
	_, err = c.AddItem(ctx, cart.Item{CatalogItemID: "X", Modifiers: []cart.Modifier{{ID: "a"}}})
	require.NoError(t, err)
	require.Len(t, c.State().Lines, 2)
}

package cart_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/obs"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

var (
	burger = cart.Item{CatalogItemID: "burger", Name: "Classic Burger", UnitPrice: 1000}
	cheese = cart.Modifier{ID: "cheese", Name: "Cheese", Price: 150}
	bacon  = cart.Modifier{ID: "bacon", Name: "Bacon", Price: 200}
)

func newCart(store cart.Store) *cart.Cart {
	return cart.New(cart.Config{Key: "sess-1", Store: store, TaxBps: pricing.DefaultTaxBps})
}

func withModifiers(item cart.Item, mods ...cart.Modifier) cart.Item {
	item.Modifiers = mods
	return item
}

func TestAddItemMergesSameKey(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()

	_, err := c.AddItem(ctx, burger)
	require.NoError(t, err)
	changed := burger
	changed.UnitPrice = 9999
	changed.Name = "Renamed"
	st, err := c.AddItem(ctx, changed)
	require.NoError(t, err)

	require.Len(t, st.Lines, 1)
	require.Equal(t, 2, st.Lines[0].Quantity)
	require.Equal(t, pricing.Money(1000), st.Lines[0].UnitPrice, "merge leaves price untouched")
	require.Equal(t, "Classic Burger", st.Lines[0].Name)
}

func TestAddItemDifferentModifiersAreSeparateLines(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()

	_, err := c.AddItem(ctx, withModifiers(burger, cheese))
	require.NoError(t, err)
	st, err := c.AddItem(ctx, withModifiers(burger, cheese, bacon))
	require.NoError(t, err)
	require.Len(t, st.Lines, 2)

	st, err = c.AddItem(ctx, withModifiers(burger, bacon, cheese))
	require.NoError(t, err)
	require.Len(t, st.Lines, 2)
	line, ok := st.Line("burger|bacon,cheese")
	require.True(t, ok)
	require.Equal(t, 2, line.Quantity)
}

func TestAddItemValidation(t *testing.T) {
	c := cart.New(cart.Config{TaxBps: pricing.DefaultTaxBps, MaxInstructions: 5})
	ctx := context.Background()

	_, err := c.AddItem(ctx, cart.Item{Name: "no id", UnitPrice: 100})
	require.ErrorIs(t, err, cart.ErrInvalidInput)

	_, err = c.AddItem(ctx, cart.Item{CatalogItemID: "x", UnitPrice: -1})
	require.ErrorIs(t, err, cart.ErrInvalidInput)

	_, err = c.AddItem(ctx, cart.Item{CatalogItemID: "x", UnitPrice: 100, SpecialInstructions: "no onions"})
	require.ErrorIs(t, err, cart.ErrInvalidInput)

	st, err := c.AddItem(ctx, cart.Item{CatalogItemID: "x", UnitPrice: 100, SpecialInstructions: "héllo"})
	require.NoError(t, err, "limit counts runes, not bytes")
	require.Equal(t, "héllo", st.Lines[0].SpecialInstructions)
}

func TestUpdateQuantityFloorRemovesLine(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()
	_, err := c.AddItem(ctx, burger)
	require.NoError(t, err)

	st := c.UpdateQuantity(ctx, cart.KeyRef("burger"), 5)
	require.Equal(t, 5, st.Lines[0].Quantity)

	st = c.UpdateQuantity(ctx, cart.KeyRef("burger"), 0)
	require.True(t, st.Empty())

	_, err = c.AddItem(ctx, burger)
	require.NoError(t, err)
	st = c.UpdateQuantity(ctx, cart.ItemRef("burger"), -3)
	require.True(t, st.Empty())
}

func TestRemoveAndUpdateAbsentKeyAreNoops(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()
	_, err := c.AddItem(ctx, burger)
	require.NoError(t, err)

	before := c.State()
	require.Equal(t, before, c.RemoveItem(ctx, cart.KeyRef("pizza")))
	require.Equal(t, before, c.UpdateQuantity(ctx, cart.KeyRef("pizza"), 4))
}

func TestTotalsIncludeModifiersTaxAndFee(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()
	c.SetDeliveryFee(ctx, 499)
	_, err := c.AddItem(ctx, withModifiers(burger, cheese))
	require.NoError(t, err)
	st := c.UpdateQuantity(ctx, cart.ItemRef("burger", cheese), 2)

	require.Equal(t, pricing.Money(2300), st.Subtotal)
	require.Equal(t, pricing.Money(173), st.Tax)
	require.Equal(t, pricing.Money(499), st.DeliveryFee)
	require.Equal(t, pricing.Money(2972), st.Total)
	require.Equal(t, 2, st.ItemCount)
	require.Equal(t, pricing.Money(2300), st.Lines[0].LineTotal())
}

func TestClearKeepsDeliveryFee(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()
	c.SetDeliveryFee(ctx, 499)
	_, err := c.AddItem(ctx, burger)
	require.NoError(t, err)

	st := c.Clear(ctx)
	require.True(t, st.Empty())
	require.Zero(t, st.Subtotal)
	require.Zero(t, st.Tax)
	require.Equal(t, pricing.Money(499), st.DeliveryFee)
	require.Equal(t, pricing.Money(499), st.Total)
}

func TestSetDeliveryFeeKeepsLines(t *testing.T) {
	c := newCart(nil)
	ctx := context.Background()
	_, err := c.AddItem(ctx, burger)
	require.NoError(t, err)

	st := c.SetDeliveryFee(ctx, 299)
	require.Len(t, st.Lines, 1)
	require.Equal(t, pricing.Money(1000+75+299), st.Total)

	st = c.SetDeliveryFee(ctx, -5)
	require.Zero(t, st.DeliveryFee)
}

func TestRoundTripPersistence(t *testing.T) {
	store := cart.NewMemoryStore()
	ctx := context.Background()
	c := newCart(store)
	c.SetDeliveryFee(ctx, 499)
	_, err := c.AddItem(ctx, withModifiers(burger, cheese))
	require.NoError(t, err)
	_, err = c.AddItem(ctx, cart.Item{CatalogItemID: "fries", Name: "Fries", UnitPrice: 350, SpecialInstructions: "extra salt"})
	require.NoError(t, err)
	c.SetOpen(true)
	want := c.State()

	raw, ok := store.Raw("sess-1")
	require.True(t, ok)
	require.NotContains(t, string(raw), "isOpen")
	require.NotContains(t, string(raw), "subtotal")

	reloaded := cart.Open(ctx, cart.Config{Key: "sess-1", Store: store, TaxBps: pricing.DefaultTaxBps})
	got := reloaded.State()
	require.Equal(t, want.Lines, got.Lines)
	require.Equal(t, want.Subtotal, got.Subtotal)
	require.Equal(t, want.Tax, got.Tax)
	require.Equal(t, want.DeliveryFee, got.DeliveryFee)
	require.Equal(t, want.Total, got.Total)
	require.False(t, got.IsOpen, "open flag is not persisted")
}

func TestOpenRecomputesLegacyLineKeys(t *testing.T) {
	store := cart.NewMemoryStore()
	store.SetRaw("sess-1", []byte(`{"items":[
		{"catalogItemId":"burger","name":"Burger","price":10,"quantity":1,"modifiers":[{"id":"cheese","name":"Cheese","price":1.5}]},
		{"catalogItemId":"burger","lineKey":"burger|cheese","name":"Burger","price":10,"quantity":2,"modifiers":[{"id":"cheese","name":"Cheese","price":1.5}]},
		{"catalogItemId":"soda","name":"Soda","price":2,"quantity":0}
	],"deliveryFee":4.99}`))

	c := cart.Open(context.Background(), cart.Config{Key: "sess-1", Store: store, TaxBps: pricing.DefaultTaxBps})
	st := c.State()
	require.Len(t, st.Lines, 1)
	require.Equal(t, "burger|cheese", st.Lines[0].LineKey)
	require.Equal(t, 3, st.Lines[0].Quantity)
	require.Equal(t, pricing.Money(499), st.DeliveryFee)
}

func TestOpenCorruptSnapshotYieldsEmptyCart(t *testing.T) {
	store := cart.NewMemoryStore()
	store.SetRaw("sess-1", []byte(`{"items": [`))

	c := cart.Open(context.Background(), cart.Config{Key: "sess-1", Store: store, TaxBps: pricing.DefaultTaxBps})
	require.True(t, c.State().Empty())
	require.True(t, c.Persistent())

	_, err := c.AddItem(context.Background(), burger)
	require.NoError(t, err)
	raw, _ := store.Raw("sess-1")
	_, err = cart.DecodeSnapshot(raw)
	require.NoError(t, err, "next mutation overwrites the corrupt snapshot")
}

type failingStore struct {
	loadErr error
	saveErr error
	saves   int
}

func (f *failingStore) Load(context.Context, string) (cart.Persisted, bool, error) {
	return cart.Persisted{}, false, f.loadErr
}

func (f *failingStore) Save(context.Context, string, cart.Persisted) error {
	f.saves++
	return f.saveErr
}

func TestPersistenceFailureIsNonFatal(t *testing.T) {
	before := testutil.ToFloat64(obs.CartPersistFailuresTotal.WithLabelValues("write"))
	store := &failingStore{saveErr: errors.New("quota exceeded")}
	c := newCart(store)
	ctx := context.Background()

	st, err := c.AddItem(ctx, burger)
	require.NoError(t, err)
	require.Len(t, st.Lines, 1)
	require.False(t, c.Persistent())

	st, err = c.AddItem(ctx, burger)
	require.NoError(t, err)
	require.Equal(t, 2, st.Lines[0].Quantity)
	require.Equal(t, 1, store.saves, "persistence is disabled after the first failure")
	require.Equal(t, before+1, testutil.ToFloat64(obs.CartPersistFailuresTotal.WithLabelValues("write")))
}

func TestUnreadableStoreStartsMemoryOnly(t *testing.T) {
	store := &failingStore{loadErr: errors.New("access denied")}
	c := cart.Open(context.Background(), cart.Config{Key: "sess-1", Store: store, TaxBps: pricing.DefaultTaxBps})
	require.False(t, c.Persistent())
	_, err := c.AddItem(context.Background(), burger)
	require.NoError(t, err)
	require.Zero(t, store.saves)
}

func TestSubscribersSeeEveryStateInOrder(t *testing.T) {
	c := newCart(cart.NewMemoryStore())
	ctx := context.Background()

	var seen []int
	unsubscribe := c.Subscribe(func(st cart.State) {
		seen = append(seen, st.ItemCount)
	})
	_, _ = c.AddItem(ctx, burger)
	_, _ = c.AddItem(ctx, burger)
	c.UpdateQuantity(ctx, cart.KeyRef("burger"), 7)
	c.Toggle()
	unsubscribe()
	c.Clear(ctx)

	require.Equal(t, []int{1, 2, 7, 7}, seen)
}

func TestConcurrentAddsAreAtomic(t *testing.T) {
	store := cart.NewMemoryStore()
	c := newCart(store)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		counts []int
	)
	c.Subscribe(func(st cart.State) {
		mu.Lock()
		counts = append(counts, st.ItemCount)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AddItem(ctx, burger)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	st := c.State()
	require.Equal(t, 50, st.Lines[0].Quantity)
	require.Equal(t, pricing.Money(50*1000), st.Subtotal)
	for i, n := range counts {
		require.Equal(t, i+1, n, "notifications follow mutation order")
	}

	raw, _ := store.Raw("sess-1")
	require.True(t, strings.Contains(string(raw), `"quantity":50`))
}

func TestListenersMayReadCartDuringConcurrentAdds(t *testing.T) {
	c := newCart(cart.NewMemoryStore())
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []int
		read []int
	)
	c.Subscribe(func(st cart.State) {
		current := c.State()
		mu.Lock()
		seen = append(seen, st.ItemCount)
		read = append(read, current.ItemCount)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = c.AddItem(ctx, burger)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("adds did not complete while a listener read the cart")
	}

	require.Equal(t, 20, c.State().ItemCount)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for i, n := range seen {
		require.Equal(t, i+1, n, "notifications follow mutation order")
		require.GreaterOrEqual(t, read[i], n)
	}
}

package pricing

// DefaultTaxBps is the 7.5% sales tax applied to food orders.
const DefaultTaxBps = 750

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice Money
	// Modifiers holds the per-unit price of each selected modifier.
	Modifiers []Money
}

// UnitTotal returns the base price plus every modifier price for a single unit.
func (it Item) UnitTotal() Money {
	unit := it.UnitPrice
	for _, m := range it.Modifiers {
		unit += m
	}
	return unit
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal    Money `json:"subtotal"`
	Tax         Money `json:"tax"`
	DeliveryFee Money `json:"deliveryFee"`
	Total       Money `json:"total"`
}

// Compute calculates cart totals for the given items and delivery fee.
// Modifier prices are added per unit before multiplying by quantity.
func Compute(items []Item, taxBps int, deliveryFee Money) Summary {
	var subtotal Money
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		subtotal += Money(it.Qty) * it.UnitTotal()
	}
	if deliveryFee < 0 {
		deliveryFee = 0
	}
	tax := Tax(subtotal, taxBps)
	return Summary{
		Subtotal:    subtotal,
		Tax:         tax,
		DeliveryFee: deliveryFee,
		Total:       subtotal + tax + deliveryFee,
	}
}

// Tax applies the basis-point rate to amount, rounding half away from zero to whole cents.
func Tax(amount Money, taxBps int) Money {
	if amount == 0 || taxBps <= 0 {
		return 0
	}
	scaled := int64(amount) * int64(taxBps)
	if scaled >= 0 {
		return Money((scaled + 5000) / 10000)
	}
	return Money((scaled - 5000) / 10000)
}

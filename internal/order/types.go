package order

import (
	"strings"
	"time"

	"github.com/noah-isme/backend-resto/internal/pricing"
)

// OrderType selects how the customer receives the order.
type OrderType string

const (
	Pickup   OrderType = "pickup"
	Delivery OrderType = "delivery"
)

// Status is the lifecycle state of a recorded order.
type Status string

const (
	// StatusPending is written before the payment is authorized.
	StatusPending Status = "PENDING"
	// StatusAuthorized means funds are held and the order is recorded.
	StatusAuthorized Status = "AUTHORIZED"
	// StatusPaid means the payment was captured.
	StatusPaid Status = "PAID"
	// StatusDeclined means the processor refused the authorization.
	StatusDeclined Status = "DECLINED"
	// StatusVoided means the hold was released after a later step failed.
	StatusVoided Status = "VOIDED"
)

// Modifier is a priced add-on of an item.
type Modifier struct {
	ID    string        `json:"id" validate:"required"`
	Name  string        `json:"name"`
	Price pricing.Money `json:"price" validate:"gte=0"`
}

// Item is one order line as sent by the client.
type Item struct {
	ID                  string        `json:"id" validate:"required"`
	Name                string        `json:"name" validate:"required"`
	Price               pricing.Money `json:"price" validate:"gte=0"`
	Quantity            int           `json:"quantity" validate:"min=1"`
	Description         string        `json:"description,omitempty"`
	Modifiers           []Modifier    `json:"modifiers,omitempty" validate:"omitempty,dive"`
	SpecialInstructions string        `json:"specialInstructions,omitempty"`
}

func (it Item) pricingItem() pricing.Item {
	mods := make([]pricing.Money, len(it.Modifiers))
	for i, m := range it.Modifiers {
		mods[i] = m.Price
	}
	return pricing.Item{Qty: it.Quantity, UnitPrice: it.Price, Modifiers: mods}
}

// CustomerInfo identifies who placed the order.
type CustomerInfo struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required"`
}

// DeliveryInfo is required for delivery orders only.
type DeliveryInfo struct {
	Address       string `json:"address" validate:"required"`
	City          string `json:"city"`
	State         string `json:"state"`
	ZipCode       string `json:"zipCode" validate:"required"`
	Phone         string `json:"phone"`
	DeliveryNotes string `json:"deliveryNotes,omitempty"`
}

// Request is the order submission payload.
type Request struct {
	Items        []Item        `json:"items" validate:"required,min=1,dive"`
	Subtotal     pricing.Money `json:"subtotal"`
	Tax          pricing.Money `json:"tax"`
	DeliveryFee  pricing.Money `json:"deliveryFee" validate:"gte=0"`
	Total        pricing.Money `json:"total"`
	CustomerInfo CustomerInfo  `json:"customerInfo"`
	DeliveryInfo *DeliveryInfo `json:"deliveryInfo,omitempty" validate:"-"`
	OrderType    OrderType     `json:"orderType" validate:"required,oneof=pickup delivery"`
	PaymentToken string        `json:"paymentToken" validate:"required"`
}

// Normalize trims free-text fields and drops delivery details from pickup
// orders.
func (r *Request) Normalize() {
	r.CustomerInfo = r.CustomerInfo.normalized()
	if r.OrderType != Delivery {
		r.DeliveryInfo = nil
	}
	if r.DeliveryInfo != nil {
		d := r.DeliveryInfo.normalized()
		r.DeliveryInfo = &d
	}
	r.PaymentToken = strings.TrimSpace(r.PaymentToken)
	for i := range r.Items {
		r.Items[i].SpecialInstructions = strings.TrimSpace(r.Items[i].SpecialInstructions)
	}
}

func (c CustomerInfo) normalized() CustomerInfo {
	return CustomerInfo{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.TrimSpace(c.Email),
		Phone: strings.TrimSpace(c.Phone),
	}
}

func (d DeliveryInfo) normalized() DeliveryInfo {
	return DeliveryInfo{
		Address:       strings.TrimSpace(d.Address),
		City:          strings.TrimSpace(d.City),
		State:         strings.TrimSpace(d.State),
		ZipCode:       strings.TrimSpace(d.ZipCode),
		Phone:         strings.TrimSpace(d.Phone),
		DeliveryNotes: strings.TrimSpace(d.DeliveryNotes),
	}
}

// Totals recomputes the amounts for the request's items.
func (r Request) Totals(taxBps int) pricing.Summary {
	items := make([]pricing.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = it.pricingItem()
	}
	return pricing.Compute(items, taxBps, r.DeliveryFee)
}

// Response is returned once an order is placed, and by the order lookup.
type Response struct {
	OrderID            string        `json:"orderId"`
	Status             Status        `json:"status"`
	EstimatedReadyTime *time.Time    `json:"estimatedReadyTime,omitempty"`
	Subtotal           pricing.Money `json:"subtotal"`
	Tax                pricing.Money `json:"tax"`
	DeliveryFee        pricing.Money `json:"deliveryFee"`
	Total              pricing.Money `json:"total"`
	Items              []Item        `json:"items"`
	OrderType          OrderType     `json:"orderType,omitempty"`
	PaymentID          string        `json:"paymentId,omitempty"`
}

// Order is the recorded form of a submission.
type Order struct {
	ID               string
	IdempotencyKey   string
	RequestHash      string
	SessionID        string
	Status           Status
	OrderType        OrderType
	Attempts         int
	Items            []Item
	Customer         CustomerInfo
	Delivery         *DeliveryInfo
	Subtotal         pricing.Money
	Tax              pricing.Money
	DeliveryFee      pricing.Money
	Total            pricing.Money
	Currency         string
	PaymentProvider  string
	PaymentID        string
	EstimatedReadyAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Response renders the confirmation view of the order.
func (o Order) Response() Response {
	items := make([]Item, len(o.Items))
	copy(items, o.Items)
	return Response{
		OrderID:            o.ID,
		Status:             o.Status,
		EstimatedReadyTime: o.EstimatedReadyAt,
		Subtotal:           o.Subtotal,
		Tax:                o.Tax,
		DeliveryFee:        o.DeliveryFee,
		Total:              o.Total,
		Items:              items,
		OrderType:          o.OrderType,
		PaymentID:          o.PaymentID,
	}
}

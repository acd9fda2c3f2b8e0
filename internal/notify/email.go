package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/noah-isme/backend-resto/internal/common"
	"github.com/noah-isme/backend-resto/internal/events"
	"github.com/noah-isme/backend-resto/internal/pricing"
)

// EmailNotifier sends transactional emails for selected topics.
type EmailNotifier struct {
	Mail         common.EmailSender
	Enabled      bool
	From         string
	TopicToggles map[string]bool
}

// orderMail is the part of an order event payload the templates use.
type orderMail struct {
	OrderID            string          `json:"orderId"`
	OrderType          string          `json:"orderType"`
	CustomerName       string          `json:"customerName"`
	Email              string          `json:"email"`
	Items              []orderMailItem `json:"items"`
	Subtotal           pricing.Money   `json:"subtotal"`
	Tax                pricing.Money   `json:"tax"`
	DeliveryFee        pricing.Money   `json:"deliveryFee"`
	Total              pricing.Money   `json:"total"`
	EstimatedReadyTime string          `json:"estimatedReadyTime"`
	PaymentID          string          `json:"paymentId"`
	Reason             string          `json:"reason"`
}

type orderMailItem struct {
	Name     string        `json:"name"`
	Price    pricing.Money `json:"price"`
	Quantity int           `json:"quantity"`
}

var orderTemplates = template.Must(template.New("mail").Funcs(template.FuncMap{
	"money": func(m pricing.Money) string { return "$" + m.Dollars().StringFixed(2) },
	"readyAt": func(raw string) string {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ""
		}
		return t.Format("3:04 PM")
	},
}).Parse(`
{{define "order.created"}}<p>Hi {{.CustomerName}},</p>
<p>Thanks for your order <strong>{{.OrderID}}</strong>.{{with readyAt .EstimatedReadyTime}} It will be ready for {{$.OrderType}} around {{.}}.{{end}}</p>
<ul>{{range .Items}}<li>{{.Quantity}} &times; {{.Name}}</li>{{end}}</ul>
<p>Subtotal {{money .Subtotal}}<br>Tax {{money .Tax}}<br>Delivery {{money .DeliveryFee}}<br><strong>Total {{money .Total}}</strong></p>{{end}}
{{define "payment.voided"}}<p>Hi {{.CustomerName}},</p>
<p>We could not complete order {{.OrderID}}. The hold on your card has been released and you were not charged.</p>{{end}}
{{define "order.failed"}}<p>Hi {{.CustomerName}},</p>
<p>Your payment went through but we could not confirm order {{.OrderID}}. Please contact the restaurant with payment reference {{.PaymentID}} and do not pay again.</p>{{end}}
`))

// Name identifies the notifier in logs and metrics.
func (n EmailNotifier) Name() string { return "email" }

// Notify implements events.Notifier.
func (n EmailNotifier) Notify(ctx context.Context, event events.Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	if orderTemplates.Lookup(event.Topic) == nil {
		return nil
	}
	var data orderMail
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := strings.TrimSpace(data.Email)
	if to == "" {
		return nil
	}
	if data.OrderID == "" {
		data.OrderID = event.AggregateID
	}
	var body bytes.Buffer
	if err := orderTemplates.ExecuteTemplate(&body, event.Topic, data); err != nil {
		return fmt.Errorf("email notify: render %s: %w", event.Topic, err)
	}
	return n.Mail.Send(ctx, common.Email{
		From:    n.From,
		To:      to,
		Subject: subjectFor(event.Topic, data.OrderID),
		HTML:    body.String(),
	})
}

func subjectFor(topic, orderID string) string {
	switch topic {
	case events.TopicOrderCreated:
		return fmt.Sprintf("Order %s confirmed", orderID)
	case events.TopicPaymentVoided:
		return fmt.Sprintf("Order %s was not placed", orderID)
	case events.TopicOrderFailed:
		return fmt.Sprintf("Order %s needs attention", orderID)
	default:
		return fmt.Sprintf("Update on order %s", orderID)
	}
}

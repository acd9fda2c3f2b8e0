// Command ordersmoke places one order against a running order endpoint the way
// the web checkout does: it fills a local file-backed cart from a YAML menu,
// walks the checkout flow and pays with a fixed token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-resto/internal/cart"
	"github.com/noah-isme/backend-resto/internal/catalog"
	"github.com/noah-isme/backend-resto/internal/checkout"
	"github.com/noah-isme/backend-resto/internal/order"
	"github.com/noah-isme/backend-resto/internal/pricing"
	"github.com/noah-isme/backend-resto/internal/resilience"
)

type cli struct {
	Endpoint string   `help:"Base URL of the order endpoint." env:"ORDER_ENDPOINT_URL" required:""`
	Menu     string   `help:"YAML menu file." default:"menu.yaml" type:"existingfile"`
	CartDir  string   `help:"Directory keeping the local cart between runs." default:"${cart_dir}" type:"path"`
	Session  string   `help:"Session the local cart is stored under." default:"smoke"`
	Item     []string `help:"Item to add as id[:quantity[:modifier,...]]. Repeatable." short:"i" sep:"none"`
	Fresh    bool     `help:"Empty the local cart before adding items."`

	Delivery bool   `help:"Place a delivery order instead of pickup."`
	Name     string `help:"Customer name." default:"Smoke Test"`
	Email    string `help:"Customer email." default:"smoke@example.com"`
	Phone    string `help:"Customer phone." default:"555-0100"`
	Address  string `help:"Delivery street address." default:"1 Main St"`
	City     string `help:"Delivery city." default:"Springfield"`
	Zip      string `help:"Delivery zip code." default:"12345"`

	Token       string        `help:"Payment token sent with the order." default:"cnon:card-nonce-ok"`
	Retries     int           `help:"Retries after a retryable failure." default:"1"`
	Timeout     time.Duration `help:"Per request timeout." default:"15s"`
	DeliveryFee string        `help:"Delivery fee in dollars." default:"4.99" env:"DELIVERY_FEE"`
	TaxRateBps  int           `help:"Sales tax in basis points." default:"750" env:"TAX_RATE_BPS"`
	Verbose     bool          `help:"Log checkout transitions." short:"v"`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("ordersmoke"),
		kong.Description("Place a test order through the checkout flow."),
		kong.UsageOnError(),
		kong.Vars{"cart_dir": filepath.Join(os.TempDir(), "resto-ordersmoke")},
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.FatalIfErrorf(c.Run(ctx, os.Stdout))
}

// Run fills the cart, checks out and prints the confirmation to out.
func (c *cli) Run(ctx context.Context, out io.Writer) error {
	level := zerolog.WarnLevel
	if c.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level).With().Timestamp().Logger()

	menu, err := catalog.LoadStatic(c.Menu)
	if err != nil {
		return err
	}
	deliveryFee, err := pricing.ParseDollars(c.DeliveryFee)
	if err != nil {
		return fmt.Errorf("delivery fee: %w", err)
	}
	fees := cart.FeeSchedule{Delivery: deliveryFee}

	carts := &cart.Service{
		Store:   cart.FileStore{Dir: c.CartDir},
		Catalog: menu,
		TaxBps:  c.TaxRateBps,
		Fees:    fees,
		Logger:  logger,
	}
	if c.Fresh {
		if _, err := carts.Clear(ctx, c.Session); err != nil {
			return err
		}
	}
	for _, raw := range c.Item {
		req, err := parseItem(raw)
		if err != nil {
			return err
		}
		if _, err := carts.AddCatalogItem(ctx, c.Session, req); err != nil {
			return fmt.Errorf("add %s: %w", req.ItemID, err)
		}
	}

	seq := checkout.NewSequencer(checkout.Config{
		Cart: carts.Bound(c.Session),
		Submitter: &order.Client{
			HTTP: resilience.HTTPClient{
				Client: &http.Client{Timeout: c.Timeout},
				Target: "order_endpoint",
				Logger: logger,
			},
			BaseURL: c.Endpoint,
		},
		Fees:   fees,
		Logger: logger,
	})

	view, err := seq.Enter(ctx)
	if err != nil {
		return err
	}
	if view.Redirect != nil && view.Redirect.To == checkout.Menu {
		return errors.New("cart is empty: add items with --item")
	}

	info := checkout.Info{
		OrderType:    order.Pickup,
		CustomerInfo: order.CustomerInfo{Name: c.Name, Email: c.Email, Phone: c.Phone},
	}
	if c.Delivery {
		info.OrderType = order.Delivery
		info.DeliveryInfo = &order.DeliveryInfo{Address: c.Address, City: c.City, ZipCode: c.Zip, Phone: c.Phone}
	}
	if _, err := seq.ContinueToPayment(ctx, info); err != nil {
		var verr *checkout.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("customer details rejected: %v", verr.Fields)
		}
		return err
	}

	view, err = seq.ReceivePayment(ctx, checkout.PaymentResult{Status: "OK", Token: c.Token})
	for attempt := 0; attempt < c.Retries && view.State == checkout.Failed && view.CanRetry; attempt++ {
		logger.Warn().Int("attempt", attempt+1).Msg("retrying order")
		view, err = seq.Retry(ctx)
	}
	if view.State != checkout.Confirmed {
		if view.Error != nil {
			return fmt.Errorf("order failed (%s, charged=%t): %s", view.Error.Kind, view.Error.Charged, view.Error.Message)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("checkout ended in state %s", view.State)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view.Order)
}

// parseItem reads "id[:quantity[:modifier,...]]".
func parseItem(raw string) (cart.AddRequest, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	req := cart.AddRequest{ItemID: parts[0], Quantity: 1}
	if req.ItemID == "" {
		return req, fmt.Errorf("item %q: missing id", raw)
	}
	if len(parts) > 1 && parts[1] != "" {
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty < 1 {
			return req, fmt.Errorf("item %q: quantity must be a positive number", raw)
		}
		req.Quantity = qty
	}
	if len(parts) > 2 && parts[2] != "" {
		for _, id := range strings.Split(parts[2], ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.ModifierIDs = append(req.ModifierIDs, id)
			}
		}
	}
	return req, nil
}

package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
	"github.com/triage-ai/palisade/services/tool_router/internal/fsm"
	"github.com/triage-ai/palisade/services/tool_router/internal/schema"
	"github.com/triage-ai/palisade/services/tool_router/internal/tool"
)

// Checkout workflow states and events.
const (
	StateEmpty     = "empty"
	StateHasItems  = "has_items"
	StatePayment   = "payment"
	StateConfirmed = "confirmed"

	EventAddItem  = "ADD_ITEM"
	EventCheckout = "CHECKOUT"
	EventPay      = "PAY"
)

// CheckoutWorkflow is the gate configuration of the cart tool:
// empty -ADD_ITEM-> has_items -CHECKOUT-> payment -PAY-> confirmed.
func CheckoutWorkflow() fsm.Config {
	return fsm.Config{
		ID:      "checkout",
		Initial: StateEmpty,
		States: map[string]fsm.State{
			StateEmpty:     {On: map[string]string{EventAddItem: StateHasItems}},
			StateHasItems:  {On: map[string]string{EventAddItem: StateHasItems, EventCheckout: StatePayment}},
			StatePayment:   {On: map[string]string{EventPay: StateConfirmed}},
			StateConfirmed: {Type: fsm.StateFinal},
		},
	}
}

// Prices in cents by sku.
var prices = map[string]int{
	"SKU-APPLE":  120,
	"SKU-BREAD":  350,
	"SKU-COFFEE": 1299,
}

type cart struct {
	items map[string]int
	order string
}

// CartStore keeps one cart per session.
type CartStore struct {
	mu     sync.Mutex
	carts  map[string]*cart
	orders int
}

// NewCartStore creates an empty store.
func NewCartStore() *CartStore {
	return &CartStore{carts: map[string]*cart{}}
}

func (s *CartStore) cart(session string) *cart {
	c, ok := s.carts[session]
	if !ok {
		c = &cart{items: map[string]int{}}
		s.carts[session] = c
	}
	return c
}

type line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Cents    int    `json:"cents"`
}

type cartView struct {
	Items      []line `json:"items"`
	TotalCents int    `json:"total_cents"`
	Order      string `json:"order,omitempty"`
}

func (c *cart) view() cartView {
	v := cartView{Items: []line{}, Order: c.order}
	skus := make([]string, 0, len(c.items))
	for sku := range c.items {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	for _, sku := range skus {
		q := c.items[sku]
		v.Items = append(v.Items, line{SKU: sku, Quantity: q, Cents: q * prices[sku]})
		v.TotalCents += q * prices[sku]
	}
	return v
}

func skuEnum() []string {
	out := make([]string, 0, len(prices))
	for sku := range prices {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}

// Cart builds the cart tool. Its actions are bound to CheckoutWorkflow.
func Cart(store *CartStore) *tool.Builder {
	session := func(rc engine.Values) string { return rc.String(engine.SessionIDKey) }

	return tool.New("cart").
		Description("Shopping cart with a checkout workflow.").
		Tags("checkout").
		Invalidates("orders.*").
		Action(tool.Action{
			Name:        "view",
			Description: "Show the cart contents and total.",
			ReadOnly:    true,
			Idempotent:  true,
			Handler: engine.Direct(func(_ context.Context, rc engine.Values, _ map[string]any) (engine.Response, error) {
				store.mu.Lock()
				defer store.mu.Unlock()
				return engine.SuccessJSON(store.cart(session(rc)).view()), nil
			}),
		}).
		Action(tool.Action{
			Name:        "add_item",
			Description: "Add an item to the cart.",
			Params: map[string]any{
				"sku":      schema.Param{Type: "string", Enum: skuEnum()},
				"quantity": schema.Param{Type: "number", Int: true, Min: schema.Float(1), Max: schema.Float(99)},
			},
			States: []string{StateEmpty, StateHasItems},
			Event:  EventAddItem,
			Handler: engine.Direct(func(_ context.Context, rc engine.Values, args map[string]any) (engine.Response, error) {
				sku, _ := args["sku"].(string)
				qty := quantity(args["quantity"])
				store.mu.Lock()
				defer store.mu.Unlock()
				c := store.cart(session(rc))
				c.items[sku] += qty
				return engine.SuccessJSON(c.view()), nil
			}),
		}).
		Action(tool.Action{
			Name:        "checkout",
			Description: "Freeze the cart and start payment.",
			States:      []string{StateHasItems},
			Event:       EventCheckout,
			Handler: engine.Direct(func(_ context.Context, rc engine.Values, _ map[string]any) (engine.Response, error) {
				store.mu.Lock()
				defer store.mu.Unlock()
				c := store.cart(session(rc))
				if len(c.items) == 0 {
					return engine.ToolError("CART_EMPTY", engine.ToolErrorOptions{
						Message:          "the cart has no items",
						AvailableActions: []string{"add_item"},
					}), nil
				}
				store.orders++
				c.order = fmt.Sprintf("ORD-%05d", store.orders)
				return engine.SuccessJSON(c.view()), nil
			}),
		}).
		Action(tool.Action{
			Name:        "pay",
			Description: "Pay for the checked-out order.",
			Destructive: true,
			Params:      map[string]any{"card_token": schema.Param{Type: "string", Regex: `^tok_[a-z0-9]+$`}},
			States:      []string{StatePayment},
			Event:       EventPay,
			Handler: engine.Streaming(func(ctx context.Context, rc engine.Values, _ map[string]any, yield func(any) bool) (engine.Response, error) {
				yield(engine.Progress(10, "authorizing card"))
				if err := ctx.Err(); err != nil {
					return engine.Response{}, err
				}
				yield(engine.Progress(80, "capturing payment"))
				store.mu.Lock()
				defer store.mu.Unlock()
				c := store.cart(session(rc))
				v := c.view()
				c.items = map[string]int{}
				return engine.SuccessJSON(map[string]any{"order": v.Order, "paid_cents": v.TotalCents}), nil
			}),
		})
}

func quantity(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

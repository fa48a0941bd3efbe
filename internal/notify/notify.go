// Package notify builds the wire payload that describes an order. Every
// order-touching mutation announces itself through the same Assembler, so
// restaurants and customers always see one payload shape.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/order"
)

const (
	UnknownCustomer = "Unknown Customer"
	UnknownItem     = "Unknown Item"
)

// OrderReader is the read side of the order store.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (order.Order, error)
	GetCustomer(ctx context.Context, id string) (order.Customer, bool, error)
	GetMenuItem(ctx context.Context, id string) (order.MenuItem, bool, error)
}

// OrderNotification is the published description of an order.
type OrderNotification struct {
	ID                       string             `json:"id"`
	CustomerID               string             `json:"customerId"`
	CustomerName             string             `json:"customerName"`
	CustomerPhone            string             `json:"customerPhone"`
	RestaurantID             string             `json:"restaurantId"`
	Status                   order.Status       `json:"status"`
	TotalAmount              float64            `json:"totalAmount"`
	DeliveryAddress          string             `json:"deliveryAddress"`
	CreatedAt                time.Time          `json:"createdAt"`
	EstimatedDelivery        *time.Time         `json:"estimatedDelivery"`
	EstimatedPreparationTime *int               `json:"estimatedPreparationTime"`
	OrderItems               []ItemNotification `json:"orderItems"`
	NotificationType         fanout.EventType   `json:"notificationType"`
}

// ItemNotification is one line of an OrderNotification.
type ItemNotification struct {
	ID                  string `json:"id"`
	MenuItemID          string `json:"menuItemId"`
	MenuItemName        string `json:"menuItemName"`
	Quantity            int    `json:"quantity"`
	SpecialInstructions string `json:"specialInstructions,omitempty"`
}

// Assembler turns order state into notifications.
type Assembler struct {
	orders OrderReader
	pub    fanout.Publisher
	logger zerolog.Logger
}

// NewAssembler creates an Assembler reading through orders and publishing on pub.
func NewAssembler(orders OrderReader, pub fanout.Publisher, logger zerolog.Logger) *Assembler {
	return &Assembler{
		orders: orders,
		pub:    pub,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Build loads the order with its customer and menu-item names. Missing
// reference data falls back to placeholder names; a missing order is an error.
func (a *Assembler) Build(ctx context.Context, orderID string, kind fanout.EventType) (OrderNotification, error) {
	o, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return OrderNotification{}, fmt.Errorf("notify: build %s: %w", orderID, err)
	}

	n := OrderNotification{
		ID:                       o.ID,
		CustomerID:               o.CustomerID,
		CustomerName:             UnknownCustomer,
		RestaurantID:             o.RestaurantID,
		Status:                   o.Status,
		TotalAmount:              o.TotalAmount,
		DeliveryAddress:          o.DeliveryAddress,
		CreatedAt:                o.CreatedAt,
		EstimatedDelivery:        o.EstimatedDelivery,
		EstimatedPreparationTime: o.EstimatedPreparationTime,
		OrderItems:               make([]ItemNotification, 0, len(o.Items)),
		NotificationType:         kind,
	}

	c, ok, err := a.orders.GetCustomer(ctx, o.CustomerID)
	if err != nil {
		return OrderNotification{}, fmt.Errorf("notify: build %s: customer: %w", orderID, err)
	}
	if ok {
		if name := strings.TrimSpace(c.FirstName + " " + c.LastName); name != "" {
			n.CustomerName = name
		}
		n.CustomerPhone = c.Phone
	}

	names := make(map[string]string, len(o.Items))
	for _, it := range o.Items {
		name, seen := names[it.MenuItemID]
		if !seen {
			m, ok, err := a.orders.GetMenuItem(ctx, it.MenuItemID)
			if err != nil {
				return OrderNotification{}, fmt.Errorf("notify: build %s: menu item %s: %w", orderID, it.MenuItemID, err)
			}
			name = UnknownItem
			if ok && m.Name != "" {
				name = m.Name
			}
			names[it.MenuItemID] = name
		}
		n.OrderItems = append(n.OrderItems, ItemNotification{
			ID:                  it.ID,
			MenuItemID:          it.MenuItemID,
			MenuItemName:        name,
			Quantity:            it.Quantity,
			SpecialInstructions: it.SpecialInstructions,
		})
	}
	return n, nil
}

// Announce builds the notification once and publishes it to every topic.
// It returns the first publish error after attempting all topics.
func (a *Assembler) Announce(ctx context.Context, orderID string, kind fanout.EventType, topics ...fanout.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	n, err := a.Build(ctx, orderID, kind)
	if err != nil {
		return err
	}
	e, err := fanout.NewEvent(topics[0], kind, n)
	if err != nil {
		return fmt.Errorf("notify: announce %s: %w", orderID, err)
	}

	var first error
	for i, t := range topics {
		ev := e
		if i > 0 {
			ev = e.WithTopic(t)
		}
		if err := a.pub.Publish(ctx, ev); err != nil && first == nil {
			first = fmt.Errorf("notify: publish %s to %s: %w", kind, t, err)
		}
	}
	if first == nil {
		a.logger.Debug().Str("order", orderID).Str("type", string(kind)).Int("topics", len(topics)).Msg("order announced")
	}
	return first
}

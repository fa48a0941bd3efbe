// Package order implements the order-side mutations that announce
// themselves to real-time consumers: placement, restaurant acknowledgement,
// status and preparation-time changes, long-poll tracking, and driver
// location pings.
package order

import (
	"fmt"
	"strconv"
	"time"
)

// Status is the fulfilment state of an order. It only moves forward.
type Status int

const (
	StatusConfirmed Status = iota + 1
	StatusPreparing
	StatusReady
	StatusPickedUp
	StatusDelivered
)

var statusNames = map[Status]string{
	StatusConfirmed: "Confirmed",
	StatusPreparing: "Preparing",
	StatusReady:     "Ready",
	StatusPickedUp:  "PickedUp",
	StatusDelivered: "Delivered",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// MarshalText encodes s by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts a status name or its number.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus parses a status name ("Ready") or number ("3"). The empty string
// parses as the zero Status, which never equals a real status.
func ParseStatus(raw string) (Status, error) {
	if raw == "" {
		return 0, nil
	}
	for k, v := range statusNames {
		if v == raw {
			return k, nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && (n == 0 || Status(n).Valid()) {
		return Status(n), nil
	}
	return 0, fmt.Errorf("order: unknown status %q", raw)
}

// Order is a customer's order at one restaurant.
type Order struct {
	ID                       string     `json:"id"`
	CustomerID               string     `json:"customerId"`
	RestaurantID             string     `json:"restaurantId"`
	DriverID                 string     `json:"driverId,omitempty"`
	DriverName               string     `json:"driverName,omitempty"`
	Status                   Status     `json:"status"`
	TotalAmount              float64    `json:"totalAmount"`
	DeliveryAddress          string     `json:"deliveryAddress"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                *time.Time `json:"updatedAt,omitempty"`
	AcknowledgedAt           *time.Time `json:"acknowledgedAt,omitempty"`
	EstimatedDelivery        *time.Time `json:"estimatedDelivery,omitempty"`
	EstimatedPreparationTime *int       `json:"estimatedPreparationTime,omitempty"` // minutes
	Items                    []Item     `json:"items"`
}

// Item is one line of an order.
type Item struct {
	ID                  string `json:"id"`
	MenuItemID          string `json:"menuItemId"`
	Quantity            int    `json:"quantity"`
	SpecialInstructions string `json:"specialInstructions,omitempty"`
}

// Customer is the subset of a user account shown to restaurants.
type Customer struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
}

// MenuItem is the subset of a menu entry needed to describe an order.
type MenuItem struct {
	ID           string
	RestaurantID string
	Name         string
	Price        float64
}

// StatusView is what a tracking customer sees.
type StatusView struct {
	OrderID           string     `json:"orderId"`
	Status            Status     `json:"status"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	DriverName        string     `json:"driverName,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Location is a driver position report.
type Location struct {
	DriverID  string    `json:"driverId"`
	OrderID   string    `json:"orderId"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (o *Order) touch(now time.Time) {
	t := now.UTC()
	o.UpdatedAt = &t
}

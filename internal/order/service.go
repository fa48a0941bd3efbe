package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/stream"
)

// LocationTTL bounds how long a driver's last position is kept.
const LocationTTL = 5 * time.Minute

// Announcer publishes an order notification of the given kind to topics.
type Announcer interface {
	Announce(ctx context.Context, orderID string, kind fanout.EventType, topics ...fanout.Topic) error
}

// PlaceRequest is a customer's new order.
type PlaceRequest struct {
	RestaurantID    string
	DeliveryAddress string
	Items           []ItemRequest
}

// ItemRequest is one requested line.
type ItemRequest struct {
	MenuItemID          string
	Quantity            int
	SpecialInstructions string
}

// LocationUpdate is a driver position ping for an order.
type LocationUpdate struct {
	OrderID   string
	Latitude  float64
	Longitude float64
}

// Service applies order mutations and announces them once persisted.
type Service struct {
	store     Store
	locations LocationStore
	announcer Announcer
	pub       fanout.Publisher
	poller    *stream.Poller[StatusView]
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a Service. Order notifications go through announcer;
// driver locations, which are not order snapshots, are published on pub.
func NewService(store Store, locations LocationStore, announcer Announcer, pub fanout.Publisher, pollCfg stream.Config, logger zerolog.Logger) *Service {
	s := &Service{
		store:     store,
		locations: locations,
		announcer: announcer,
		pub:       pub,
		logger:    logger.With().Str("component", "order").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.poller = stream.NewPoller(s.readStatus, pollCfg)
	return s
}

// Place records a new order for caller and notifies the restaurant.
func (s *Service) Place(ctx context.Context, caller auth.Identity, req PlaceRequest) (Order, error) {
	if caller.Role != auth.RoleCustomer {
		return Order{}, fmt.Errorf("order: place: only customers may place orders: %w", apperr.ErrAccessDenied)
	}
	if err := validatePlace(req); err != nil {
		return Order{}, fmt.Errorf("order: place: %w", err)
	}

	o := Order{
		ID:              uuid.NewString(),
		CustomerID:      caller.UserID,
		RestaurantID:    req.RestaurantID,
		Status:          StatusConfirmed,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		CreatedAt:       s.now(),
	}
	var total float64
	for _, it := range req.Items {
		o.Items = append(o.Items, Item{
			ID:                  uuid.NewString(),
			MenuItemID:          it.MenuItemID,
			Quantity:            it.Quantity,
			SpecialInstructions: it.SpecialInstructions,
		})
		m, ok, err := s.store.GetMenuItem(ctx, it.MenuItemID)
		if err != nil {
			return Order{}, fmt.Errorf("order: place: %w", err)
		}
		if ok {
			total += m.Price * float64(it.Quantity)
		}
	}
	o.TotalAmount = math.Round(total*100) / 100

	if err := s.store.CreateOrder(ctx, o); err != nil {
		return Order{}, fmt.Errorf("order: place: %w", err)
	}

	s.announce(ctx, o.ID, fanout.EventNewOrder, fanout.RestaurantOrdersTopic(o.RestaurantID))
	s.logger.Info().Str("order", o.ID).Str("restaurant", o.RestaurantID).Msg("order placed")
	return o, nil
}

// Acknowledge records that the restaurant has seen the order and tells the
// customer it is confirmed.
func (s *Service) Acknowledge(ctx context.Context, caller auth.Identity, orderID string) (Order, error) {
	o, err := s.mutateAsRestaurant(ctx, caller, orderID, func(o *Order) error {
		if o.AcknowledgedAt != nil {
			return fmt.Errorf("order %s already acknowledged: %w", o.ID, apperr.ErrInvalidState)
		}
		if o.Status != StatusConfirmed {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrInvalidState)
		}
		now := s.now()
		o.AcknowledgedAt = &now
		o.touch(now)
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("order: acknowledge: %w", err)
	}
	s.announce(ctx, o.ID, fanout.EventOrderConfirmed, fanout.CustomerTopic(o.CustomerID))
	return o, nil
}

// UpdateStatus moves the order forward and notifies its watchers.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Identity, orderID string, status Status) (Order, error) {
	if !status.Valid() {
		return Order{}, fmt.Errorf("order: update status: unknown status %d: %w", int(status), apperr.ErrInvalidInput)
	}
	o, err := s.mutateAsRestaurant(ctx, caller, orderID, func(o *Order) error {
		if status <= o.Status {
			return fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, status, apperr.ErrInvalidState)
		}
		o.Status = status
		o.touch(s.now())
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("order: update status: %w", err)
	}
	s.announce(ctx, o.ID, fanout.EventStatusChange,
		fanout.OrderTopic(o.ID), fanout.CustomerTopic(o.CustomerID))
	s.logger.Info().Str("order", o.ID).Stringer("status", o.Status).Msg("order status changed")
	return o, nil
}

// UpdatePreparationTime sets the estimate in minutes and derives the
// expected delivery time from it.
func (s *Service) UpdatePreparationTime(ctx context.Context, caller auth.Identity, orderID string, minutes int) (Order, error) {
	if minutes <= 0 || minutes > 24*60 {
		return Order{}, fmt.Errorf("order: preparation time: %d minutes: %w", minutes, apperr.ErrInvalidInput)
	}
	o, err := s.mutateAsRestaurant(ctx, caller, orderID, func(o *Order) error {
		if o.Status == StatusDelivered {
			return fmt.Errorf("order %s is delivered: %w", o.ID, apperr.ErrInvalidState)
		}
		now := s.now()
		m := minutes
		eta := now.Add(time.Duration(minutes) * time.Minute)
		o.EstimatedPreparationTime = &m
		o.EstimatedDelivery = &eta
		o.touch(now)
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("order: preparation time: %w", err)
	}
	s.announce(ctx, o.ID, fanout.EventPreparationTimeUpdated, fanout.CustomerTopic(o.CustomerID))
	return o, nil
}

// Track blocks until the order's status differs from lastStatus or timeout
// elapses, and returns the current view either way. Customers may only track
// their own orders.
func (s *Service) Track(ctx context.Context, caller auth.Identity, orderID string, lastStatus Status, timeout time.Duration) (StatusView, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return StatusView{}, fmt.Errorf("order: track: %w", err)
	}
	if !canView(caller, o) {
		return StatusView{}, fmt.Errorf("order: track %s: %w", orderID, apperr.ErrAccessDenied)
	}
	return s.poller.Wait(ctx, orderID, func(v StatusView) bool { return v.Status != lastStatus }, timeout)
}

// AuthorizeWatch checks that caller may follow the order's live streams.
func (s *Service) AuthorizeWatch(ctx context.Context, caller auth.Identity, orderID string) error {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("order: watch: %w", err)
	}
	if !canView(caller, o) {
		return fmt.Errorf("order: watch %s: %w", orderID, apperr.ErrAccessDenied)
	}
	return nil
}

// UpdateDriverLocation stores the caller's position and streams it to the
// order's watchers. The first driver to report on an unassigned order is
// recorded as its driver; other drivers are refused afterwards.
func (s *Service) UpdateDriverLocation(ctx context.Context, caller auth.Identity, u LocationUpdate) (Location, error) {
	if caller.Role != auth.RoleDriver {
		return Location{}, fmt.Errorf("order: driver location: %w", apperr.ErrAccessDenied)
	}
	if u.Latitude < -90 || u.Latitude > 90 || u.Longitude < -180 || u.Longitude > 180 {
		return Location{}, fmt.Errorf("order: driver location: coordinates out of range: %w", apperr.ErrInvalidInput)
	}

	_, err := s.store.UpdateOrder(ctx, u.OrderID, func(o *Order) error {
		switch {
		case o.Status == StatusDelivered:
			return fmt.Errorf("order %s is delivered: %w", o.ID, apperr.ErrInvalidState)
		case o.DriverID == "":
			o.DriverID = caller.UserID
			o.DriverName = caller.Name
			o.touch(s.now())
		case o.DriverID != caller.UserID:
			return fmt.Errorf("order %s has another driver: %w", o.ID, apperr.ErrAccessDenied)
		}
		return nil
	})
	if err != nil {
		return Location{}, fmt.Errorf("order: driver location: %w", err)
	}

	loc := Location{
		DriverID:  caller.UserID,
		OrderID:   u.OrderID,
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		Timestamp: s.now(),
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return Location{}, fmt.Errorf("order: driver location: %w", err)
	}
	if err := s.locations.SaveLocation(ctx, caller.UserID, data, LocationTTL); err != nil {
		return Location{}, fmt.Errorf("order: driver location: %w", err)
	}

	e, err := fanout.NewEvent(fanout.DriverLocationTopic(u.OrderID), fanout.EventDriverLocation, loc)
	if err == nil {
		err = s.pub.Publish(ctx, e)
	}
	if err != nil && !errors.Is(err, fanout.ErrClosed) {
		s.logger.Warn().Err(err).Str("order", u.OrderID).Msg("publish driver location")
	}
	return loc, nil
}

func (s *Service) readStatus(ctx context.Context, id string) (StatusView, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		OrderID:           o.ID,
		Status:            o.Status,
		EstimatedDelivery: o.EstimatedDelivery,
		DriverName:        o.DriverName,
		Timestamp:         s.now(),
	}, nil
}

func (s *Service) mutateAsRestaurant(ctx context.Context, caller auth.Identity, orderID string, mutate func(*Order) error) (Order, error) {
	if caller.Role != auth.RoleRestaurant && caller.Role != auth.RoleAdmin {
		return Order{}, apperr.ErrAccessDenied
	}
	return s.store.UpdateOrder(ctx, orderID, func(o *Order) error {
		if caller.Role == auth.RoleRestaurant && caller.RestaurantID != o.RestaurantID {
			return fmt.Errorf("order %s belongs to another restaurant: %w", o.ID, apperr.ErrAccessDenied)
		}
		return mutate(o)
	})
}

// announce publishes after the write has been persisted. A failure here never
// undoes the mutation; consumers catch up on their next read.
func (s *Service) announce(ctx context.Context, orderID string, kind fanout.EventType, topics ...fanout.Topic) {
	if err := s.announcer.Announce(ctx, orderID, kind, topics...); err != nil && !errors.Is(err, fanout.ErrClosed) {
		s.logger.Warn().Err(err).Str("order", orderID).Str("type", string(kind)).Msg("announce order")
	}
}

func canView(caller auth.Identity, o Order) bool {
	switch caller.Role {
	case auth.RoleCustomer:
		return caller.UserID == o.CustomerID
	case auth.RoleRestaurant:
		return caller.RestaurantID == o.RestaurantID
	case auth.RoleDriver:
		return caller.UserID == o.DriverID
	case auth.RoleAdmin:
		return true
	}
	return false
}

func validatePlace(req PlaceRequest) error {
	if req.RestaurantID == "" {
		return fmt.Errorf("restaurant is required: %w", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(req.DeliveryAddress) == "" {
		return fmt.Errorf("delivery address is required: %w", apperr.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("order has no items: %w", apperr.ErrInvalidInput)
	}
	for _, it := range req.Items {
		if it.MenuItemID == "" || it.Quantity < 1 {
			return fmt.Errorf("invalid item %q x%d: %w", it.MenuItemID, it.Quantity, apperr.ErrInvalidInput)
		}
	}
	return nil
}

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/order"
	"github.com/foodfast/realtime/internal/stream"
)

type placeOrderRequest struct {
	RestaurantID    string             `json:"restaurantId" validate:"required"`
	DeliveryAddress string             `json:"deliveryAddress" validate:"required,max=500"`
	Items           []placeItemRequest `json:"items" validate:"required,min=1,dive"`
}

type placeItemRequest struct {
	MenuItemID          string `json:"menuItemId" validate:"required"`
	Quantity            int    `json:"quantity" validate:"min=1,max=99"`
	SpecialInstructions string `json:"specialInstructions" validate:"max=500"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type preparationTimeRequest struct {
	EstimatedMinutes int `json:"estimatedMinutes" validate:"min=1,max=1440"`
}

type driverLocationRequest struct {
	OrderID   string  `json:"orderId" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
}

func (a *api) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	pr := order.PlaceRequest{RestaurantID: req.RestaurantID, DeliveryAddress: req.DeliveryAddress}
	for _, it := range req.Items {
		pr.Items = append(pr.Items, order.ItemRequest{
			MenuItemID:          it.MenuItemID,
			Quantity:            it.Quantity,
			SpecialInstructions: it.SpecialInstructions,
		})
	}
	o, err := a.Orders.Place(r.Context(), caller(r), pr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *api) acknowledgeOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.Orders.Acknowledge(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *api) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	status, err := order.ParseStatus(req.Status)
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput))
		return
	}
	o, err := a.Orders.UpdateStatus(r.Context(), caller(r), chi.URLParam(r, "id"), status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *api) updatePreparationTime(w http.ResponseWriter, r *http.Request) {
	var req preparationTimeRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	o, err := a.Orders.UpdatePreparationTime(r.Context(), caller(r), chi.URLParam(r, "id"), req.EstimatedMinutes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// trackOrder is the long poll: ?lastStatus= is the status the client already
// knows and ?timeout= the wait in seconds.
func (a *api) trackOrder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	last, err := order.ParseStatus(q.Get("lastStatus"))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput))
		return
	}
	var timeout time.Duration
	if raw := q.Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			a.writeError(w, r, fmt.Errorf("timeout must be a number of seconds: %w", apperr.ErrInvalidInput))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	view, err := a.Orders.Track(r.Context(), caller(r), chi.URLParam(r, "id"), last, timeout)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) updateDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req driverLocationRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	loc, err := a.Orders.UpdateDriverLocation(r.Context(), caller(r), order.LocationUpdate{
		OrderID:   req.OrderID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (a *api) streamDriverLocation(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if err := a.Orders.AuthorizeWatch(r.Context(), caller(r), orderID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.serveStream(w, r, fanout.DriverLocationTopic(orderID), a.Streams.KeepAlive(stream.KindDriver))
}

// serveStream copies topic to the client as server-sent events until the
// client goes away.
func (a *api) serveStream(w http.ResponseWriter, r *http.Request, topic fanout.Topic, keepAlive time.Duration) {
	a.serveTopics(w, r, []fanout.Topic{topic}, keepAlive)
}

func (a *api) serveTopics(w http.ResponseWriter, r *http.Request, topics []fanout.Topic, keepAlive time.Duration) {
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Streams.ServeTopics(r.Context(), sse, topics, keepAlive); err != nil {
		a.logger.Debug().Err(err).Int("topics", len(topics)).Msg("stream ended")
	}
}

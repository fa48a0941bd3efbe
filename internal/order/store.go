package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foodfast/realtime/internal/apperr"
)

// Store is the system of record for orders and the reference data needed to
// describe them.
type Store interface {
	CreateOrder(ctx context.Context, o Order) error

	// GetOrder returns apperr.ErrNotFound when id is unknown.
	GetOrder(ctx context.Context, id string) (Order, error)

	// UpdateOrder applies mutate to the current row and persists the result
	// atomically. An error from mutate aborts the update and is returned as is.
	UpdateOrder(ctx context.Context, id string, mutate func(*Order) error) (Order, error)

	// GetCustomer and GetMenuItem report ok=false for unknown IDs.
	GetCustomer(ctx context.Context, id string) (Customer, bool, error)
	GetMenuItem(ctx context.Context, id string) (MenuItem, bool, error)
}

// LocationStore keeps each driver's most recent position.
type LocationStore interface {
	SaveLocation(ctx context.Context, driverID string, data []byte, ttl time.Duration) error
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu        sync.Mutex
	orders    map[string]Order
	customers map[string]Customer
	menu      map[string]MenuItem
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]Order),
		customers: make(map[string]Customer),
		menu:      make(map[string]MenuItem),
	}
}

// PutCustomer adds or replaces a customer record.
func (s *MemoryStore) PutCustomer(c Customer) {
	s.mu.Lock()
	s.customers[c.ID] = c
	s.mu.Unlock()
}

// PutMenuItem adds or replaces a menu item.
func (s *MemoryStore) PutMenuItem(m MenuItem) {
	s.mu.Lock()
	s.menu[m.ID] = m
	s.mu.Unlock()
}

func (s *MemoryStore) CreateOrder(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order: create %s: %w", o.ID, apperr.ErrConflict)
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, id string, mutate func(*Order) error) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	o = cloneOrder(o)
	if err := mutate(&o); err != nil {
		return Order{}, err
	}
	s.orders[id] = o
	return cloneOrder(o), nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	return c, ok, nil
}

func (s *MemoryStore) GetMenuItem(_ context.Context, id string) (MenuItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.menu[id]
	return m, ok, nil
}

func cloneOrder(o Order) Order {
	o.Items = append([]Item(nil), o.Items...)
	return o
}

// RedisLocationStore writes driver positions under driver:<id>:location.
type RedisLocationStore struct {
	client *redis.Client
}

// NewRedisLocationStore creates a RedisLocationStore on client.
func NewRedisLocationStore(client *redis.Client) *RedisLocationStore {
	return &RedisLocationStore{client: client}
}

// LocationKey is the Redis key holding a driver's latest position.
func LocationKey(driverID string) string {
	return "driver:" + driverID + ":location"
}

func (s *RedisLocationStore) SaveLocation(ctx context.Context, driverID string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, LocationKey(driverID), data, ttl).Err(); err != nil {
		return fmt.Errorf("order: save location %s: %w", driverID, err)
	}
	return nil
}

// Location returns the stored position for driverID, if any.
func (s *RedisLocationStore) Location(ctx context.Context, driverID string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, LocationKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("order: location %s: %w", driverID, err)
	}
	return data, true, nil
}

// MemoryLocationStore is a LocationStore for tests.
type MemoryLocationStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  map[string]time.Duration
}

// NewMemoryLocationStore creates an empty MemoryLocationStore.
func NewMemoryLocationStore() *MemoryLocationStore {
	return &MemoryLocationStore{data: make(map[string][]byte), ttl: make(map[string]time.Duration)}
}

func (s *MemoryLocationStore) SaveLocation(_ context.Context, driverID string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[driverID] = append([]byte(nil), data...)
	s.ttl[driverID] = ttl
	return nil
}

// Location returns the stored position and the TTL it was written with.
func (s *MemoryLocationStore) Location(driverID string) ([]byte, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[driverID]
	return d, s.ttl[driverID], ok
}

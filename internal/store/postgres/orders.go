package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foodfast/realtime/internal/order"
)

// OrderStore implements order.Store over the orders, order_items, customers
// and menu_items tables.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore creates an OrderStore on db.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

var _ order.Store = (*OrderStore)(nil)

const orderColumns = `id, customer_id, restaurant_id, driver_id, driver_name, status, total_amount,
	delivery_address, created_at, updated_at, acknowledged_at, estimated_delivery, estimated_preparation_time`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		o                   order.Order
		updated, acked, eta sql.NullTime
		prep                sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.DriverID, &o.DriverName, &o.Status,
		&o.TotalAmount, &o.DeliveryAddress, &o.CreatedAt, &updated, &acked, &eta, &prep)
	if err != nil {
		return order.Order{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = timePtr(updated)
	o.AcknowledgedAt = timePtr(acked)
	o.EstimatedDelivery = timePtr(eta)
	if prep.Valid {
		v := int(prep.Int64)
		o.EstimatedPreparationTime = &v
	}
	return o, nil
}

func loadItems(ctx context.Context, q queryer, o *order.Order) error {
	const query = `
		SELECT id, menu_item_id, quantity, special_instructions
		FROM order_items WHERE order_id = $1 ORDER BY position`
	rows, err := q.QueryContext(ctx, query, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	o.Items = make([]order.Item, 0)
	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.ID, &it.MenuItemID, &it.Quantity, &it.SpecialInstructions); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func getOrder(ctx context.Context, q queryer, id string, lock bool) (order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return order.Order{}, translate(err, "postgres: order "+id)
	}
	if err := loadItems(ctx, q, &o); err != nil {
		return order.Order{}, fmt.Errorf("postgres: order %s items: %w", id, err)
	}
	return o, nil
}

func optInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func (s *OrderStore) CreateOrder(ctx context.Context, o order.Order) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO orders (` + orderColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		if _, err := tx.ExecContext(ctx, query, o.ID, o.CustomerID, o.RestaurantID, o.DriverID,
			o.DriverName, int(o.Status), o.TotalAmount, o.DeliveryAddress, o.CreatedAt,
			nullTime(o.UpdatedAt), nullTime(o.AcknowledgedAt), nullTime(o.EstimatedDelivery),
			optInt(o.EstimatedPreparationTime)); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO order_items (id, order_id, position, menu_item_id, quantity, special_instructions)
			VALUES ($1, $2, $3, $4, $5, $6)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, it := range o.Items {
			if _, err := stmt.ExecContext(ctx, it.ID, o.ID, i, it.MenuItemID, it.Quantity, it.SpecialInstructions); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(err, "postgres: create order "+o.ID)
	}
	return nil
}

func (s *OrderStore) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

// UpdateOrder persists the mutable columns; items are fixed at placement.
func (s *OrderStore) UpdateOrder(ctx context.Context, id string, mutate func(*order.Order) error) (order.Order, error) {
	var out order.Order
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		o, err := getOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := mutate(&o); err != nil {
			return callbackError{err}
		}
		const query = `
			UPDATE orders
			SET driver_id = $2, driver_name = $3, status = $4, updated_at = $5, acknowledged_at = $6,
			    estimated_delivery = $7, estimated_preparation_time = $8
			WHERE id = $1`
		if _, err := tx.ExecContext(ctx, query, id, o.DriverID, o.DriverName, int(o.Status),
			nullTime(o.UpdatedAt), nullTime(o.AcknowledgedAt), nullTime(o.EstimatedDelivery),
			optInt(o.EstimatedPreparationTime)); err != nil {
			return fmt.Errorf("postgres: update order %s: %w", id, err)
		}
		out = o
		return nil
	})
	if err != nil {
		return order.Order{}, unwrapCallback(err)
	}
	return out, nil
}

func (s *OrderStore) GetCustomer(ctx context.Context, id string) (order.Customer, bool, error) {
	var c order.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, phone FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone)
	if err == sql.ErrNoRows {
		return order.Customer{}, false, nil
	}
	if err != nil {
		return order.Customer{}, false, fmt.Errorf("postgres: customer %s: %w", id, err)
	}
	return c, true, nil
}

func (s *OrderStore) GetMenuItem(ctx context.Context, id string) (order.MenuItem, bool, error) {
	var m order.MenuItem
	err := s.db.QueryRowContext(ctx,
		`SELECT id, restaurant_id, name, price FROM menu_items WHERE id = $1`, id).
		Scan(&m.ID, &m.RestaurantID, &m.Name, &m.Price)
	if err == sql.ErrNoRows {
		return order.MenuItem{}, false, nil
	}
	if err != nil {
		return order.MenuItem{}, false, fmt.Errorf("postgres: menu item %s: %w", id, err)
	}
	return m, true, nil
}

// PutCustomer upserts a customer record.
func (s *OrderStore) PutCustomer(ctx context.Context, c order.Customer) error {
	const query = `
		INSERT INTO customers (id, first_name, last_name, phone) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET first_name = $2, last_name = $3, phone = $4`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.FirstName, c.LastName, c.Phone); err != nil {
		return fmt.Errorf("postgres: put customer %s: %w", c.ID, err)
	}
	return nil
}

// PutMenuItem upserts a menu item.
func (s *OrderStore) PutMenuItem(ctx context.Context, m order.MenuItem) error {
	const query = `
		INSERT INTO menu_items (id, restaurant_id, name, price) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET restaurant_id = $2, name = $3, price = $4`
	if _, err := s.db.ExecContext(ctx, query, m.ID, m.RestaurantID, m.Name, m.Price); err != nil {
		return fmt.Errorf("postgres: put menu item %s: %w", m.ID, err)
	}
	return nil
}

package brokerage

import (
	"time"

	"decred.org/dcrwallet/v2/errors"
	"github.com/asdine/storm"
	"github.com/asdine/storm/q"
)

// Store persists order records across sessions so a re-entered flow can pick
// up a pending order where it left off.
type Store struct {
	db *storm.DB
}

// NewStore initializes the order bucket on db.
func NewStore(db *storm.DB) (*Store, error) {
	if err := db.Init(&Order{}); err != nil {
		log.Errorf("Error initializing order database: %s", err.Error())
		return nil, err
	}

	return &Store{db: db}, nil
}

// SaveOrder saves order, replacing any previously saved record with the same
// provider ID.
func (s *Store) SaveOrder(order *Order) error {
	var oldOrder Order
	err := s.db.One("ID", order.ID, &oldOrder)
	if err != nil && err != storm.ErrNotFound {
		return errors.Errorf("error checking if order was already indexed: %s", err.Error())
	}

	if oldOrder.ID != "" {
		// delete old record before saving new (if it exists)
		s.db.DeleteStruct(&oldOrder)
	}

	if order.CreatedAt == 0 {
		order.CreatedAt = time.Now().Unix()
	}
	order.UpdatedAt = time.Now().Unix()

	return s.db.Save(order)
}

// UpdateOrder updates a saved order in place.
func (s *Store) UpdateOrder(order *Order) error {
	order.UpdatedAt = time.Now().Unix()
	return s.db.Update(order)
}

// Order fetches a single order by its provider ID.
func (s *Store) Order(orderID string) (*Order, error) {
	var order Order
	err := s.db.One("ID", orderID, &order)
	if err != nil {
		return nil, err
	}

	return &order, nil
}

// Orders fetches saved orders, newest first. If state is specified, only
// orders in that state are returned.
func (s *Store) Orders(offset, limit int32, state ...OrderState) ([]*Order, error) {
	query := s.db.Select(q.True())
	if len(state) > 0 {
		query = s.db.Select(q.Eq("State", state[0]))
	}

	if offset > 0 {
		query = query.Skip(int(offset))
	}
	if limit > 0 {
		query = query.Limit(int(limit))
	}

	query = query.OrderBy("CreatedAt").Reverse()

	var orders []*Order
	err := query.Find(&orders)
	if err != nil && err != storm.ErrNotFound {
		return nil, errors.Errorf("error fetching orders: %s", err.Error())
	}

	return orders, nil
}

// CancellableOrder returns the newest order the provider will still accept a
// cancel for, or nil.
func (s *Store) CancellableOrder() (*Order, error) {
	orders, err := s.Orders(0, 1, OrderStatePendingConfirmation)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return orders[0], nil
}

// LatestPendingOrder returns the newest order still awaiting confirmation or
// deposit, or nil.
func (s *Store) LatestPendingOrder() (*Order, error) {
	orders, err := s.Orders(0, 0)
	if err != nil {
		return nil, err
	}
	for _, order := range orders {
		if order.Pending() {
			return order, nil
		}
	}
	return nil, nil
}

// ReplaceAll drops the saved set and stores orders, used after a provider
// list re-fetch.
func (s *Store) ReplaceAll(orders []*Order) error {
	if err := s.db.Drop(&Order{}); err != nil {
		return err
	}
	if err := s.db.Init(&Order{}); err != nil {
		return err
	}
	for _, order := range orders {
		if err := s.SaveOrder(order); err != nil {
			return err
		}
	}
	return nil
}

// DeleteOrder removes a single saved order.
func (s *Store) DeleteOrder(order *Order) error {
	return s.db.DeleteStruct(order)
}

// DeleteOrders removes all saved orders.
func (s *Store) DeleteOrders() error {
	err := s.db.Drop(&Order{})
	if err != nil {
		return err
	}

	return s.db.Init(&Order{})
}

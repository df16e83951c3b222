package domain

import (
	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
)

// Address is the shipping destination for an order
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
	ZipCode string `json:"zip_code"`
}

// OrderItem is a single line of an order. Its identity is (order id, line
// index); lines are immutable once the order is submitted.
type OrderItem struct {
	ProductID   models.ID    `json:"product_id"`
	ProductName string       `json:"product_name"`
	UnitPrice   models.Money `json:"unit_price"`
	Quantity    int          `json:"quantity"`
}

// Total returns the line total
func (i OrderItem) Total() models.Money {
	return i.UnitPrice.MultiplyBy(i.Quantity)
}

// Order is the snapshot of a customer order owned by its saga instance while
// the saga is active. It becomes read-mostly once the saga is terminal.
type Order struct {
	ID              models.ID   `json:"id"`
	BuyerID         models.ID   `json:"buyer_id"`
	ShippingAddress Address     `json:"shipping_address"`
	Items           []OrderItem `json:"items"`
	OrderDate       models.Timestamps
}

// NewOrder validates and builds an order snapshot
func NewOrder(id, buyerID models.ID, address Address, items []OrderItem) (*Order, error) {
	if id.IsEmpty() {
		return nil, errors.New("order ID is required")
	}
	if buyerID.IsEmpty() {
		return nil, errors.New("buyer ID is required")
	}
	if len(items) == 0 {
		return nil, errors.New("order must have at least one item")
	}

	currency := items[0].UnitPrice.Currency
	for _, item := range items {
		if item.ProductID.IsEmpty() {
			return nil, errors.New("order item product ID is required")
		}
		if item.Quantity <= 0 {
			return nil, errors.New("order item quantity must be positive")
		}
		if !item.UnitPrice.IsPositive() {
			return nil, errors.New("order item unit price must be positive")
		}
		if item.UnitPrice.Currency != currency {
			return nil, errors.New("order items must share one currency")
		}
	}

	return &Order{
		ID:              id,
		BuyerID:         buyerID,
		ShippingAddress: address,
		Items:           items,
		OrderDate:       models.NewTimestamps(),
	}, nil
}

// Total sums all line totals. Items share one currency by construction.
func (o *Order) Total() models.Money {
	if len(o.Items) == 0 {
		return models.Money{}
	}

	total := o.Items[0].Total()
	for _, item := range o.Items[1:] {
		sum, err := total.Add(item.Total())
		if err != nil {
			continue
		}
		total = sum
	}
	return total
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// OrderStatus is the fulfillment status of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending            OrderStatus = "pending"
	OrderStatusPlaced             OrderStatus = "placed"
	OrderStatusProcessing         OrderStatus = "processing"
	OrderStatusReadyForPickup     OrderStatus = "ready_for_pickup"
	OrderStatusOutForDelivery     OrderStatus = "out_for_delivery"
	OrderStatusReachedDestination OrderStatus = "reached_destination"
	OrderStatusDelivered          OrderStatus = "delivered"
	OrderStatusCancelled          OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen from s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPlaced, OrderStatusProcessing, OrderStatusReadyForPickup,
		OrderStatusOutForDelivery, OrderStatusReachedDestination, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// PaymentStatus is independent from OrderStatus
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
	PaymentStatusFailed   PaymentStatus = "failed"
)

// PaymentMethod selects whether the pipeline starts at checkout or on payment capture
type PaymentMethod string

// Payment methods
const (
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentMethodPrepaid        PaymentMethod = "prepaid"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCashOnDelivery || m == PaymentMethodPrepaid
}

// Product represents a product in the catalog
type Product struct {
	ID         int64     `db:"id" json:"id"`
	SKU        string    `db:"sku" json:"sku"`
	Name       string    `db:"name" json:"name"`
	Price      int64     `db:"price" json:"price"`
	Popularity int64     `db:"popularity" json:"popularity"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StockEntry is the quantity of one product held by one warehouse
type StockEntry struct {
	ProductID   int64     `db:"product_id" json:"product_id"`
	WarehouseID int64     `db:"warehouse_id" json:"warehouse_id"`
	Quantity    int       `db:"quantity" json:"quantity"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// StockRequest is a quantity to reserve or release for a product
type StockRequest struct {
	ProductID int64
	Quantity  int
}

// Warehouse is a physical stock location
type Warehouse struct {
	ID        int64   `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	Latitude  float64 `db:"latitude" json:"latitude"`
	Longitude float64 `db:"longitude" json:"longitude"`
	IsDefault bool    `db:"is_default" json:"is_default"`
}

// User is the subset of the account the pipeline needs
type User struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
}

// Address is a user's saved shipping address
type Address struct {
	ID            int64  `db:"id" json:"id"`
	UserID        int64  `db:"user_id" json:"user_id"`
	StreetAddress string `db:"street_address" json:"street_address"`
	City          string `db:"city" json:"city"`
	State         string `db:"state" json:"state"`
	ZipCode       string `db:"zip_code" json:"zip_code"`
}

// CartLine is a cart entry joined with the live catalog price
type CartLine struct {
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	Quantity    int    `db:"quantity" json:"quantity"`
	Price       int64  `db:"price" json:"price"`
}

// ShippingAddress is the address snapshot stored with an order
type ShippingAddress struct {
	StreetAddress string `json:"street_address"`
	City          string `json:"city"`
	State         string `json:"state"`
	ZipCode       string `json:"zip_code"`
}

// Value implements driver.Valuer so the snapshot is stored as JSONB
func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *ShippingAddress) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = ShippingAddress{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported shipping address type %T", src)
	}
}

// Order represents a customer order
type Order struct {
	ID                 int64           `db:"id" json:"id"`
	UserID             int64           `db:"user_id" json:"user_id"`
	WarehouseID        int64           `db:"warehouse_id" json:"warehouse_id"`
	Status             OrderStatus     `db:"status" json:"status"`
	PaymentStatus      PaymentStatus   `db:"payment_status" json:"payment_status"`
	PaymentMethod      PaymentMethod   `db:"payment_method" json:"payment_method"`
	PaymentReference   *string         `db:"payment_reference" json:"payment_reference,omitempty"`
	PaymentID          *string         `db:"payment_id" json:"payment_id,omitempty"`
	TotalAmount        int64           `db:"total_amount" json:"total_amount"`
	ShippingAddress    ShippingAddress `db:"shipping_address" json:"shipping_address"`
	ExpectedDeliveryAt *time.Time      `db:"expected_delivery_at" json:"expected_delivery_at,omitempty"`
	IdempotencyKey     *string         `db:"idempotency_key" json:"-"`
	CancelReason       *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
	Email string      `db:"-" json:"-"`
}

// ProductNames lists the names of the order's line items.
func (o *Order) ProductNames() []string {
	names := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		names = append(names, item.ProductName)
	}
	return names
}

// StockRequests aggregates line items per product.
func (o *Order) StockRequests() []StockRequest {
	return AggregateStock(o.Items)
}

// OrderItem represents items in an order
type OrderItem struct {
	ID          int64  `db:"id" json:"id"`
	OrderID     int64  `db:"order_id" json:"order_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	Quantity    int    `db:"quantity" json:"quantity"`
	UnitPrice   int64  `db:"unit_price" json:"unit_price"`
}

// AggregateStock sums quantities per product, keeping first-seen order.
func AggregateStock(items []OrderItem) []StockRequest {
	index := make(map[int64]int, len(items))
	out := make([]StockRequest, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, StockRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

// StatusTransition is a conditional status change: it applies only while the
// order is still in From.
type StatusTransition struct {
	OrderID            int64
	From               OrderStatus
	To                 OrderStatus
	ExpectedDeliveryAt *time.Time
	// PaymentStatus and PaymentID are left untouched when empty.
	PaymentStatus PaymentStatus
	PaymentID     string
}

// Cancellation moves an order from From to cancelled and releases its stock
type Cancellation struct {
	OrderID       int64
	From          OrderStatus
	PaymentStatus PaymentStatus
	Reason        string
}

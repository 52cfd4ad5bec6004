package pipeline

import (
	"time"

	"fulfillment-service/internal/models"
)

// Step is one row of the transition table: an order sitting in Status moves
// to Next after Delay.
type Step struct {
	Status models.OrderStatus
	Next   models.OrderStatus
	Delay  time.Duration
}

// Table is the ordered, immutable list of pipeline steps.
// The last step has an empty Next and marks the status that waits for the
// customer.
type Table struct {
	steps []Step
	index map[models.OrderStatus]int
}

// DefaultTable is the production status-duration table
var DefaultTable = NewTable([]Step{
	{Status: models.OrderStatusPlaced, Next: models.OrderStatusProcessing, Delay: 10 * time.Second},
	{Status: models.OrderStatusProcessing, Next: models.OrderStatusReadyForPickup, Delay: 20 * time.Second},
	{Status: models.OrderStatusReadyForPickup, Next: models.OrderStatusOutForDelivery, Delay: 40 * time.Second},
	{Status: models.OrderStatusOutForDelivery, Next: models.OrderStatusReachedDestination, Delay: 60 * time.Second},
	{Status: models.OrderStatusReachedDestination},
})

// NewTable copies steps into a Table
func NewTable(steps []Step) *Table {
	t := &Table{
		steps: make([]Step, len(steps)),
		index: make(map[models.OrderStatus]int, len(steps)),
	}
	copy(t.steps, steps)
	for i, s := range t.steps {
		t.index[s.Status] = i
	}
	return t
}

// Next returns the status that follows s and the delay before it. ok is false
// when s has no scheduled successor.
func (t *Table) Next(s models.OrderStatus) (next models.OrderStatus, delay time.Duration, ok bool) {
	i, found := t.index[s]
	if !found || t.steps[i].Next == "" {
		return "", 0, false
	}
	return t.steps[i].Next, t.steps[i].Delay, true
}

// Previous returns the status an order must be in for a job targeting target
// to apply.
func (t *Table) Previous(target models.OrderStatus) (models.OrderStatus, bool) {
	for _, s := range t.steps {
		if s.Next == target && s.Next != "" {
			return s.Status, true
		}
	}
	return "", false
}

// RemainingDuration is the sum of every delay from s to the end of the table.
func (t *Table) RemainingDuration(s models.OrderStatus) time.Duration {
	i, found := t.index[s]
	if !found {
		return 0
	}
	var total time.Duration
	for _, step := range t.steps[i:] {
		total += step.Delay
	}
	return total
}

// ExpectedDeliveryAt returns nil for statuses outside the table.
func (t *Table) ExpectedDeliveryAt(s models.OrderStatus, now time.Time) *time.Time {
	if _, found := t.index[s]; !found {
		return nil
	}
	eta := now.Add(t.RemainingDuration(s))
	return &eta
}

// Rank orders statuses along the pipeline. pending ranks below every step,
// delivered above. cancelled and unknown statuses return -1.
func (t *Table) Rank(s models.OrderStatus) int {
	switch s {
	case models.OrderStatusPending:
		return 0
	case models.OrderStatusDelivered:
		return len(t.steps) + 1
	}
	if i, found := t.index[s]; found {
		return i + 1
	}
	return -1
}

// IsTerminal reports whether the pipeline stops scheduling at s.
func (t *Table) IsTerminal(s models.OrderStatus) bool {
	if s.IsTerminal() {
		return true
	}
	i, found := t.index[s]
	return found && t.steps[i].Next == ""
}

// AwaitsCustomer reports whether s is the last step, which waits for
// delivery confirmation.
func (t *Table) AwaitsCustomer(s models.OrderStatus) bool {
	i, found := t.index[s]
	return found && t.steps[i].Next == ""
}

// Statuses lists the table's statuses in order.
func (t *Table) Statuses() []models.OrderStatus {
	out := make([]models.OrderStatus, len(t.steps))
	for i, s := range t.steps {
		out[i] = s.Status
	}
	return out
}

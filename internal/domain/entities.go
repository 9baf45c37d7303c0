package domain

import (
	"time"

	"github.com/google/uuid"
)

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func (g Granularity) Valid() bool {
	return g == GranularityHour || g == GranularityDay
}

// Lock is one indivisible unit of resource-time. (ResourceID, Bucket) is unique.
type Lock struct {
	ResourceID  string
	Bucket      string
	Granularity Granularity
	CreatedBy   string
	Reason      string
	HoldUntil   *time.Time
	CreatedAt   time.Time
}

// Live reports whether the lock still blocks its bucket at now.
func (l Lock) Live(now time.Time) bool {
	return l.HoldUntil == nil || l.HoldUntil.After(now)
}

// LockRequest asks for every bucket of a window at once.
type LockRequest struct {
	ResourceID  string
	Buckets     []string
	Granularity Granularity
	CreatedBy   string
	Reason      string
	HoldUntil   *time.Time
}

type State string

const (
	StateDraft      State = "draft"
	StatePending    State = "pending"
	StateAccepted   State = "accepted"
	StateDeclined   State = "declined"
	StateCancelled  State = "cancelled"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type LineItem struct {
	Code        string `json:"code" bson:"code"`
	Label       string `json:"label" bson:"label"`
	Quantity    int    `json:"quantity" bson:"quantity"`
	AmountCents int64  `json:"amount_cents" bson:"amount_cents"`
}

// PricingSnapshot is the quote captured at commit time. It never changes afterwards.
type PricingSnapshot struct {
	Currency      string     `json:"currency"`
	BaseCents     int64      `json:"base_cents"`
	FeeCents      int64      `json:"fee_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TaxCents      int64      `json:"tax_cents"`
	TotalCents    int64      `json:"total_cents"`
	DiscountCode  string     `json:"discount_code,omitempty"`
	LineItems     []LineItem `json:"line_items"`
}

type PaymentReference struct {
	HandleID string `json:"payment_handle_id"`
	ChargeID string `json:"charge_id,omitempty"`
}

// Readings are the structured measurements taken at a checkpoint.
type Readings struct {
	Odometer       *float64 `json:"odometer,omitempty" bson:"odometer,omitempty" validate:"omitempty,gte=0"`
	FuelPercent    *float64 `json:"fuel_percent,omitempty" bson:"fuel_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	BatteryPercent *float64 `json:"battery_percent,omitempty" bson:"battery_percent,omitempty" validate:"omitempty,gte=0,lte=100"`
	MeterHours     *float64 `json:"meter_hours,omitempty" bson:"meter_hours,omitempty" validate:"omitempty,gte=0"`
	RangeKm        *float64 `json:"range_km,omitempty" bson:"range_km,omitempty" validate:"omitempty,gte=0"`
	Cleanliness    string   `json:"cleanliness,omitempty" bson:"cleanliness,omitempty" validate:"omitempty,oneof=excellent good fair poor"`
}

func (r Readings) Empty() bool {
	return r.Odometer == nil && r.FuelPercent == nil && r.BatteryPercent == nil &&
		r.MeterHours == nil && r.RangeKm == nil && r.Cleanliness == ""
}

type Checkpoint struct {
	ActorID  string    `json:"actor_id"`
	At       time.Time `json:"at"`
	Notes    string    `json:"notes,omitempty"`
	Readings Readings  `json:"readings"`
	Photos   []string  `json:"photos,omitempty"`
}

type Reservation struct {
	ID            uuid.UUID        `json:"id"`
	ResourceID    string           `json:"resource_id"`
	OwnerID       string           `json:"owner_id"`
	RequesterID   string           `json:"requester_id"`
	Start         time.Time        `json:"start"`
	End           time.Time        `json:"end"`
	Granularity   Granularity      `json:"granularity"`
	Pricing       PricingSnapshot  `json:"pricing"`
	State         State            `json:"state"`
	PaymentStatus PaymentStatus    `json:"payment_status"`
	Payment       PaymentReference `json:"payment"`
	Checkin       *Checkpoint      `json:"checkin,omitempty"`
	Checkout      *Checkpoint      `json:"checkout,omitempty"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// IsParty reports whether actorID is the owner or the requester.
func (r Reservation) IsParty(actorID string) bool {
	return actorID != "" && (actorID == r.OwnerID || actorID == r.RequesterID)
}

func (r Reservation) Terminal() bool {
	switch r.State {
	case StateDeclined, StateCancelled, StateCompleted:
		return true
	}
	return false
}

type BlackoutRange struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason,omitempty"`
}

// Resource is the directory view of a listed asset.
type Resource struct {
	ID              string
	OwnerID         string
	Category        string
	Title           string
	InstantBook     bool
	Currency        string
	DailyRateCents  int64
	HourlyRateCents int64
	Blackouts       []BlackoutRange
	Active          bool
}

package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type VehicleClass string

const (
	ClassEco     VehicleClass = "eco"
	ClassComfort VehicleClass = "comfort"
	ClassBike    VehicleClass = "bike"
	ClassVan     VehicleClass = "van"
)

// DriverLocation is the latest known position/state for one driver.
// Owned by the driver's client session and overwritten on every ping;
// entries older than the staleness window are excluded from matching.
type DriverLocation struct {
	DriverID  string       `json:"driver_id"`
	Loc       Coord        `json:"loc"`
	Heading   float64      `json:"heading"`
	SpeedMps  float64      `json:"speed_mps"`
	AccuracyM float64      `json:"accuracy_m"`
	Online    bool         `json:"online"`
	Available bool         `json:"available"`
	Class     VehicleClass `json:"vehicle_class"`
	Rating    float64      `json:"rating"` // 0..5
	LastPing  time.Time    `json:"last_ping"`
}

type ZoneStatus string

const (
	ZoneActive      ZoneStatus = "active"
	ZoneMaintenance ZoneStatus = "maintenance"
)

// RateCard is the per-vehicle-class price schedule inside a zone.
// All amounts are integer minor units.
type RateCard struct {
	BaseFare    int64 `json:"base_fare"`
	PerKm       int64 `json:"per_km"`
	PerMinute   int64 `json:"per_minute"`
	MinimumFare int64 `json:"minimum_fare"`
	MaximumFare int64 `json:"maximum_fare"`
}

// ServiceZone is read-mostly reference data owned by configuration.
type ServiceZone struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	Polygon        []Coord                   `json:"polygon"`
	Rates          map[VehicleClass]RateCard `json:"rates"`
	BaseMultiplier float64                   `json:"base_price_multiplier"`
	MaxSurge       float64                   `json:"max_surge"`
	Status         ZoneStatus                `json:"status"`
}

type RequestStatus string

const (
	StatusRequested      RequestStatus = "requested"
	StatusQuoting        RequestStatus = "quoting"
	StatusOffering       RequestStatus = "offering"
	StatusAccepted       RequestStatus = "accepted"
	StatusEnRoute        RequestStatus = "en_route"
	StatusArrived        RequestStatus = "arrived"
	StatusInProgress     RequestStatus = "in_progress"
	StatusCompleted      RequestStatus = "completed"
	StatusCancelled      RequestStatus = "cancelled"
	StatusExpired        RequestStatus = "expired"
	StatusPendingPayment RequestStatus = "pending_payment"
)

// Terminal reports whether no further dispatch transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Fare is a priced quote. Amounts are minor units; the surge multiplier
// and the demand ratio that produced it travel with the fare for audit.
type Fare struct {
	Total       int64   `json:"total"`
	Base        int64   `json:"base"`
	Distance    int64   `json:"distance"`
	Duration    int64   `json:"duration"`
	Surge       float64 `json:"surge"`
	DemandRatio float64 `json:"demand_ratio"`
	Currency    string  `json:"currency"`
	ZoneID      string  `json:"zone_id"`
}

// Request is a ride or delivery request. Mutated only by the dispatcher
// and terminal-event handlers. AssignmentVersion strictly increases on
// every successful assignment mutation and is the compare-and-swap token
// guarding concurrent dispatch attempts.
type Request struct {
	ID                string        `json:"id"`
	RequesterID       string        `json:"requester_id"`
	Pickup            Coord         `json:"pickup"`
	Destination       Coord         `json:"destination"`
	Class             VehicleClass  `json:"vehicle_class"`
	Status            RequestStatus `json:"status"`
	AssignedDriverID  string        `json:"assigned_driver_id,omitempty"`
	AssignmentVersion int64         `json:"assignment_version"`
	ZoneID            string        `json:"zone_id,omitempty"`
	Fare              *Fare         `json:"fare,omitempty"`
	EscrowID          string        `json:"escrow_id,omitempty"`
	OverageSurcharge  bool          `json:"overage_surcharge,omitempty"`

	RequestedAt  time.Time  `json:"requested_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	EnRouteAt    *time.Time `json:"en_route_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	PickedUpAt   *time.Time `json:"picked_up_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// DriverOffer is a time-boxed proposal of one request to one candidate.
// At most one accepted offer may ever exist per request.
type DriverOffer struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"request_id"`
	DriverID   string      `json:"driver_id"`
	Status     OfferStatus `json:"status"`
	Version    int64       `json:"assignment_version"` // version the offer was issued against
	Fare       *Fare       `json:"fare,omitempty"`
	DistanceKm float64     `json:"distance_km"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Subscription is a driver's quota ledger entry. Mutated only by the
// quota ledger under per-driver serialization; RidesRemaining never
// goes negative.
type Subscription struct {
	DriverID       string    `json:"driver_id"`
	PlanID         string    `json:"plan_id"`
	RidesRemaining int       `json:"rides_remaining"`
	Status         string    `json:"status"`
	EndDate        time.Time `json:"end_date"`
}

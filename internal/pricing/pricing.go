package pricing

import (
	"fmt"
	"math"

	"github.com/example/dispatch-engine/internal/models"
)

// SurgeCurve maps a demand ratio to a raw surge multiplier. Curves must
// be monotone non-decreasing; the engine clamps the result to
// [1, zone.MaxSurge] regardless of the curve.
type SurgeCurve interface {
	Multiplier(demandRatio float64) float64
}

// LinearCurve ramps surge by Slope per unit of demand ratio above 1.
type LinearCurve struct {
	Slope float64
}

func (c LinearCurve) Multiplier(ratio float64) float64 {
	if ratio <= 1 {
		return 1
	}
	return 1 + c.Slope*(ratio-1)
}

// Step is one tier of a StepCurve.
type Step struct {
	MinRatio   float64 `json:"min_ratio"`
	Multiplier float64 `json:"multiplier"`
}

// StepCurve resolves surge from configured tiers. Steps must be sorted
// ascending by MinRatio with non-decreasing multipliers.
type StepCurve struct {
	Steps []Step
}

func (c StepCurve) Multiplier(ratio float64) float64 {
	m := 1.0
	for _, s := range c.Steps {
		if ratio < s.MinRatio {
			break
		}
		m = s.Multiplier
	}
	return m
}

// Engine turns a zone, vehicle class and trip estimate into a clamped
// fare. Amounts are integer minor units end to end, so the decomposition
// carried on the fare never drifts.
type Engine struct {
	Curve           SurgeCurve
	DefaultSpeedMps float64
	Currency        string
}

func NewEngine(curve SurgeCurve, defaultSpeedMps float64, currency string) *Engine {
	return &Engine{Curve: curve, DefaultSpeedMps: defaultSpeedMps, Currency: currency}
}

// Quote prices a trip. The fare is clamped to the rate card's
// [minimum, maximum] both before and after the surge multiplier.
func (e *Engine) Quote(zone models.ServiceZone, class models.VehicleClass, distanceKm, durationMin, demandRatio float64) (models.Fare, error) {
	if zone.Status != models.ZoneActive {
		return models.Fare{}, fmt.Errorf("zone %s is %s: %w", zone.ID, zone.Status, models.ErrInvalidZone)
	}
	rate, ok := zone.Rates[class]
	if !ok {
		return models.Fare{}, fmt.Errorf("zone %s has no rate for class %s: %w", zone.ID, class, models.ErrInvalidZone)
	}

	distAmt := int64(math.Round(float64(rate.PerKm) * distanceKm))
	durAmt := int64(math.Round(float64(rate.PerMinute) * durationMin))
	subtotal := rate.BaseFare + distAmt + durAmt
	if m := zone.BaseMultiplier; m > 0 {
		subtotal = int64(math.Round(float64(subtotal) * m))
	}
	subtotal = clamp(subtotal, rate.MinimumFare, rate.MaximumFare)

	surge := e.Surge(zone, demandRatio)
	total := clamp(int64(math.Round(float64(subtotal)*surge)), rate.MinimumFare, rate.MaximumFare)

	return models.Fare{
		Total:       total,
		Base:        rate.BaseFare,
		Distance:    distAmt,
		Duration:    durAmt,
		Surge:       surge,
		DemandRatio: demandRatio,
		Currency:    e.Currency,
		ZoneID:      zone.ID,
	}, nil
}

// Surge is the clamped multiplier for a zone at a demand ratio.
func (e *Engine) Surge(zone models.ServiceZone, demandRatio float64) float64 {
	m := 1.0
	if e.Curve != nil {
		m = e.Curve.Multiplier(demandRatio)
	}
	if m < 1 {
		m = 1
	}
	if zone.MaxSurge >= 1 && m > zone.MaxSurge {
		m = zone.MaxSurge
	}
	return m
}

// EstimateDurationMin is the naive trip duration used when the caller
// has no routed estimate: distance over a configured average speed.
func (e *Engine) EstimateDurationMin(distanceKm float64) float64 {
	speed := e.DefaultSpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	return distanceKm * 1000 / speed / 60
}

func clamp(v, lo, hi int64) int64 {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

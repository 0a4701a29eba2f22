package dispatch

import (
	"context"

	"github.com/example/dispatch-engine/internal/demand"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/pricing"
	"github.com/example/dispatch-engine/internal/zone"
)

// Quoter prices a request and pins it to a zone.
type Quoter interface {
	Quote(ctx context.Context, req *models.Request) (*models.Fare, error)
}

// ZoneQuoter resolves the pickup zone, reads the current demand ratio
// and prices the trip with the engine's curve.
type ZoneQuoter struct {
	Zones   *zone.Classifier
	Demand  *demand.Estimator
	Pricing *pricing.Engine
}

func (q *ZoneQuoter) Quote(_ context.Context, req *models.Request) (*models.Fare, error) {
	z, err := q.Zones.Classify(req.Pickup)
	if err != nil {
		return nil, err
	}
	distKm := geo.DistanceKm(req.Pickup, req.Destination)
	durMin := q.Pricing.EstimateDurationMin(distKm)
	ratio := 1.0
	if q.Demand != nil {
		ratio = q.Demand.Ratio(z.ID, req.Class)
	}
	fare, err := q.Pricing.Quote(z, req.Class, distKm, durMin, ratio)
	if err != nil {
		return nil, err
	}
	return &fare, nil
}

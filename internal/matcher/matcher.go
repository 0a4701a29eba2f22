package matcher

import (
	"context"
	"sort"

	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/models"
)

// Candidate is one ranked driver for a request.
type Candidate struct {
	DriverID       string
	Loc            models.Coord
	DistanceKm     float64
	Rating         float64
	QuotaRemaining int
	Overage        bool // ride would bill via the pay-per-ride surcharge
}

// Quota is the read-side view of the ledger the matcher ranks with.
type Quota interface {
	Remaining(ctx context.Context, driverID string) (int, bool)
}

// Service finds and ranks eligible drivers for a request. It is a pure
// read: no offer, assignment or quota state is touched here.
type Service struct {
	Locations          geo.LocationStore
	Quota              Quota
	MaxDistanceKm      float64
	TopN               int
	PayPerRideFallback bool
}

// FindCandidates returns drivers ranked by (distance asc, rating desc,
// quota remaining desc). Distance wins ties because pickup latency
// dominates user experience. An empty slice is a valid answer, not an
// error; the caller owns retry policy.
func (s *Service) FindCandidates(ctx context.Context, req models.Request) ([]Candidate, error) {
	limit := s.TopN
	if limit <= 0 {
		limit = 10
	}
	// over-fetch: class and quota filters run after the radius query
	nearby, err := s.Locations.Nearby(ctx, req.Pickup, s.MaxDistanceKm, limit*4)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(nearby))
	for _, d := range nearby {
		if !d.Online || !d.Available {
			continue
		}
		if d.Class != req.Class {
			continue
		}
		distKm := geo.DistanceKm(d.Loc, req.Pickup)
		if distKm > s.MaxDistanceKm {
			continue
		}
		c := Candidate{
			DriverID:   d.DriverID,
			Loc:        d.Loc,
			DistanceKm: distKm,
			Rating:     d.Rating,
		}
		if s.Quota != nil {
			remaining, ok := s.Quota.Remaining(ctx, d.DriverID)
			if !ok || remaining <= 0 {
				if !s.PayPerRideFallback {
					continue
				}
				c.Overage = true
			}
			c.QuotaRemaining = remaining
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].QuotaRemaining > out[j].QuotaRemaining
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package pricing

import "github.com/example/dispatch-engine/internal/models"

// CancellationPolicy prices a requester cancellation. The dispatcher
// only consults it once a driver has accepted; earlier cancellations
// are free.
type CancellationPolicy interface {
	Fee(req *models.Request) int64
}

// FlatCancellationPolicy charges a fixed fee after acceptance, capped
// at the quoted fare.
type FlatCancellationPolicy struct {
	Amount int64
}

func (p FlatCancellationPolicy) Fee(req *models.Request) int64 {
	if req.AcceptedAt == nil {
		return 0
	}
	fee := p.Amount
	if req.Fare != nil && fee > req.Fare.Total {
		fee = req.Fare.Total
	}
	return fee
}

// FreeCancellationPolicy never charges.
type FreeCancellationPolicy struct{}

func (FreeCancellationPolicy) Fee(*models.Request) int64 { return 0 }

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-engine/internal/demand"
	"github.com/example/dispatch-engine/internal/escrow"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/matcher"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/pricing"
	"github.com/example/dispatch-engine/internal/quota"
	"github.com/example/dispatch-engine/internal/storage"
)

// Config holds the dispatch state machine knobs.
type Config struct {
	OfferTTL           time.Duration
	OfferSweep         time.Duration
	RetryBudget        int // candidates tried per park round
	ParkBackoff        time.Duration
	ParkMaxAttempts    int
	PayPerRideFallback bool
	CommissionPct      float64
	Currency           string
}

// Matcher is the candidate search the dispatcher ranks offers from.
type Matcher interface {
	FindCandidates(ctx context.Context, req models.Request) ([]matcher.Candidate, error)
}

// Escrow is the settlement collaborator.
type Escrow interface {
	Hold(ctx context.Context, p escrow.HoldParams) (*models.EscrowTransaction, error)
	Release(ctx context.Context, id string) error
	Refund(ctx context.Context, id, reason string) error
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Store        storage.RequestStore
	Offers       storage.OfferStore
	Matcher      Matcher
	Quoter       Quoter
	Quota        quota.Ledger
	Escrow       Escrow
	Locations    geo.LocationStore
	Notifier     Notifier
	Events       EventSink
	Demand       *demand.Estimator
	CancelPolicy pricing.CancellationPolicy
	Log          *slog.Logger
}

type offerOutcome int

const (
	outcomeAccepted offerOutcome = iota
	outcomeRejected
	outcomeExpired
	outcomeCancelled
)

type pendingOffer struct {
	offer models.DriverOffer
	ch    chan offerOutcome
}

// Dispatcher runs the assignment state machine. One goroutine owns each
// request's dispatch cycle; every assignment mutation is a
// compare-and-swap on the request's assignment version, so a retry, a
// duplicate cycle and a late driver acceptance can never all win.
type Dispatcher struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingOffer // offer id -> in-flight offer
	byRequest map[string]string        // request id -> pending offer id

	ctx   context.Context
	now   func() time.Time
	newID func() string
}

func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if deps.Events == nil {
		deps.Events = NopSink{}
	}
	if deps.CancelPolicy == nil {
		deps.CancelPolicy = pricing.FreeCancellationPolicy{}
	}
	return &Dispatcher{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		pending:   make(map[string]*pendingOffer),
		byRequest: make(map[string]string),
		ctx:       context.Background(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Start binds the dispatcher's background context and launches the
// offer-expiry sweep. Offers expire on the sweep tick, never by
// blocking a dispatch goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
	go d.sweepLoop(ctx)
}

// CreateRequest registers a new request and begins dispatching it
// asynchronously. The returned request is in the Requested state.
func (d *Dispatcher) CreateRequest(ctx context.Context, requesterID string, pickup, dest models.Coord, class models.VehicleClass) (*models.Request, error) {
	if class == "" {
		class = models.ClassEco
	}
	r := &models.Request{
		ID:          d.newID(),
		RequesterID: requesterID,
		Pickup:      pickup,
		Destination: dest,
		Class:       class,
		Status:      models.StatusRequested,
		RequestedAt: d.now(),
	}
	if err := d.deps.Store.SaveRequest(ctx, r); err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()
	d.log.Info("request created", "request_id", r.ID, "requester_id", requesterID, "class", class)
	go func() {
		if err := d.dispatch(d.ctx, r.ID); err != nil {
			d.log.Warn("dispatch cycle ended with error", "request_id", r.ID, "error", err)
		}
	}()
	return r, nil
}

// Status returns the current request snapshot.
func (d *Dispatcher) Status(ctx context.Context, requestID string) (*models.Request, error) {
	return d.deps.Store.GetRequest(ctx, requestID)
}

// dispatch runs one request through quote, hold and the offer loop.
func (d *Dispatcher) dispatch(ctx context.Context, requestID string) error {
	req, err := d.deps.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	var history []string
	record := func(format string, args ...any) {
		history = append(history, fmt.Sprintf("v%d %s", req.AssignmentVersion, fmt.Sprintf(format, args...)))
	}

	// Requested -> Quoting
	req, err = d.deps.Store.CompareAndSwap(ctx, req.ID, req.AssignmentVersion, false, func(r *models.Request) error {
		if r.Status != models.StatusRequested {
			return fmt.Errorf("%w: %s -> quoting", models.ErrInvalidTransition, r.Status)
		}
		r.Status = models.StatusQuoting
		return nil
	})
	if err != nil {
		return err
	}
	record("quoting")

	fare, err := d.deps.Quoter.Quote(ctx, req)
	if err != nil {
		// pricing failure leaves the request in Requested for retry
		if _, casErr := d.deps.Store.CompareAndSwap(ctx, req.ID, req.AssignmentVersion, false, func(r *models.Request) error {
			r.Status = models.StatusRequested
			return nil
		}); casErr != nil {
			d.log.Error("quote rollback failed", "request_id", req.ID, "error", casErr)
		}
		d.log.Warn("quote failed", "request_id", req.ID, "error", err)
		return err
	}

	// funds are held at booking time, before any offer goes out
	fee := int64(math.Round(float64(fare.Total) * d.cfg.CommissionPct))
	tx, err := d.deps.Escrow.Hold(ctx, escrow.HoldParams{
		OrderID:      req.ID,
		BuyerID:      req.RequesterID,
		DriverAmount: fare.Total - fee,
		PlatformFee:  fee,
		TotalAmount:  fare.Total,
		Currency:     fare.Currency,
	})
	if err != nil {
		if errors.Is(err, models.ErrPaymentHoldFailed) {
			// funds state must never be ambiguous: park the booking for
			// manual review instead of silently cancelling
			record("payment hold failed")
			if _, casErr := d.deps.Store.CompareAndSwap(ctx, req.ID, req.AssignmentVersion, false, func(r *models.Request) error {
				r.Status = models.StatusPendingPayment
				r.Fare = fare
				r.ZoneID = fare.ZoneID
				return nil
			}); casErr != nil {
				d.log.Error("pending-payment transition failed", "request_id", req.ID, "error", casErr)
			}
			d.log.Error("payment hold failed, manual review required",
				"request_id", req.ID, "history", strings.Join(history, "; "), "error", err)
			return err
		}
		return err
	}

	// Quoting -> Offering
	dispatchedAt := d.now()
	req, err = d.deps.Store.CompareAndSwap(ctx, req.ID, req.AssignmentVersion, false, func(r *models.Request) error {
		if r.Status != models.StatusQuoting {
			return fmt.Errorf("%w: %s -> offering", models.ErrInvalidTransition, r.Status)
		}
		r.Status = models.StatusOffering
		r.Fare = fare
		r.ZoneID = fare.ZoneID
		r.EscrowID = tx.ID
		r.DispatchedAt = &dispatchedAt
		return nil
	})
	if err != nil {
		// the request moved while the hold was being taken, a requester
		// cancel usually; nothing references the hold yet so it must be
		// refunded here or the sweep would capture it later
		if rerr := d.deps.Escrow.Refund(ctx, tx.ID, "cancelled_before_offer"); rerr != nil {
			d.log.Error("hold refund after lost offering transition failed",
				"request_id", requestID, "escrow_id", tx.ID, "error", rerr)
		} else {
			d.log.Warn("request mutated during quoting, hold refunded",
				"request_id", requestID, "escrow_id", tx.ID)
		}
		return err
	}
	record("offering zone=%s fare=%d surge=%.2f", fare.ZoneID, fare.Total, fare.Surge)
	if d.deps.Demand != nil {
		d.deps.Demand.RequestPending(req.ZoneID, req.Class)
	}

	for park := 0; ; park++ {
		cands, err := d.deps.Matcher.FindCandidates(ctx, *req)
		if err != nil {
			record("candidate search failed: %v", err)
			cands = nil
		}
		tried := 0
		for _, c := range cands {
			if tried >= d.cfg.RetryBudget {
				break
			}
			tried++
			outcome, offer := d.offerAndWait(ctx, req, c)
			switch outcome {
			case outcomeCancelled:
				record("offer %s abandoned, request mutated externally", offer.ID)
				return nil
			case outcomeRejected:
				observability.OffersRejected.Inc()
				record("offer %s rejected by %s", offer.ID, c.DriverID)
			case outcomeExpired:
				observability.OffersExpired.Inc()
				record("offer %s to %s expired", offer.ID, c.DriverID)
			case outcomeAccepted:
				done, err := d.tryAccept(ctx, req, offer, c)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
				// CAS lost: AssignmentConflict, offer discarded
				record("offer %s accept lost CAS, retrying next candidate", offer.ID)
				cur, gerr := d.deps.Store.GetRequest(ctx, req.ID)
				if gerr != nil {
					return gerr
				}
				if cur.Status != models.StatusOffering {
					record("request now %s, stopping cycle", cur.Status)
					return nil
				}
				req = cur
			}
		}
		if park+1 >= d.cfg.ParkMaxAttempts {
			break
		}
		// park the request and retry on a backoff schedule
		record("parked, attempt %d", park+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.ParkBackoff * time.Duration(park+1)):
		}
		cur, err := d.deps.Store.GetRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusOffering {
			return nil
		}
		req = cur
	}

	observability.DispatchExhausted.Inc()
	d.failNoDrivers(ctx, req, history)
	return models.ErrNoDriversAvailable
}

// offerAndWait issues one time-boxed offer and blocks until the driver
// responds, the sweep expires it, or the cycle is torn down.
func (d *Dispatcher) offerAndWait(ctx context.Context, req *models.Request, c matcher.Candidate) (offerOutcome, models.DriverOffer) {
	now := d.now()
	o := models.DriverOffer{
		ID:         d.newID(),
		RequestID:  req.ID,
		DriverID:   c.DriverID,
		Status:     models.OfferPending,
		Version:    req.AssignmentVersion,
		Fare:       req.Fare,
		DistanceKm: c.DistanceKm,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.cfg.OfferTTL),
	}
	if err := d.deps.Offers.SaveOffer(ctx, &o); err != nil {
		d.log.Error("offer journal write failed", "offer_id", o.ID, "error", err)
	}
	po := &pendingOffer{offer: o, ch: make(chan offerOutcome, 1)}
	d.mu.Lock()
	d.pending[o.ID] = po
	d.byRequest[req.ID] = o.ID
	d.mu.Unlock()

	observability.OffersCreated.Inc()
	d.deps.Events.Emit(models.Event{Type: models.EventOfferCreated, RequestID: req.ID, DriverID: c.DriverID, OfferID: o.ID, At: now})
	if d.deps.Notifier != nil {
		if err := d.deps.Notifier.Offer(o); err != nil {
			d.log.Debug("offer delivery failed", "offer_id", o.ID, "driver_id", c.DriverID, "error", err)
		}
	}

	select {
	case out := <-po.ch:
		return out, o
	case <-ctx.Done():
		d.removePending(o.ID)
		return outcomeCancelled, o
	}
}

// tryAccept commits the assignment with a CAS on the version the offer
// was issued against. Returns done=false on a recoverable loss
// (conflict or quota race) so the cycle moves to the next candidate.
func (d *Dispatcher) tryAccept(ctx context.Context, req *models.Request, offer models.DriverOffer, c matcher.Candidate) (bool, error) {
	acceptedAt := d.now()
	updated, err := d.deps.Store.CompareAndSwap(ctx, req.ID, offer.Version, true, func(r *models.Request) error {
		if r.Status != models.StatusOffering {
			return models.ErrAssignmentConflict
		}
		r.Status = models.StatusAccepted
		r.AssignedDriverID = offer.DriverID
		r.AcceptedAt = &acceptedAt
		if c.Overage {
			r.OverageSurcharge = true
		}
		return nil
	})
	if errors.Is(err, models.ErrAssignmentConflict) {
		observability.AssignmentConflicts.Inc()
		d.log.Warn("AssignmentConflict",
			"request_id", req.ID, "offer_id", offer.ID, "driver_id", offer.DriverID, "offer_version", offer.Version)
		_ = d.deps.Offers.UpdateOfferStatus(ctx, offer.ID, models.OfferExpired)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := d.deps.Offers.UpdateOfferStatus(ctx, offer.ID, models.OfferAccepted); err != nil {
		d.log.Error("offer journal update failed", "offer_id", offer.ID, "error", err)
	}

	// quota decrements happen exactly here, at Accepted; completion
	// never re-touches the ledger
	if !c.Overage && d.deps.Quota != nil {
		_, qerr := d.deps.Quota.TryConsume(ctx, offer.DriverID, req.ID)
		if errors.Is(qerr, models.ErrQuotaExhausted) || errors.Is(qerr, models.ErrNoSubscription) {
			observability.QuotaExhaustions.Inc()
			if d.cfg.PayPerRideFallback {
				if _, err := d.deps.Store.CompareAndSwap(ctx, req.ID, updated.AssignmentVersion, false, func(r *models.Request) error {
					r.OverageSurcharge = true
					return nil
				}); err != nil {
					d.log.Error("overage flag update failed", "request_id", req.ID, "error", err)
				}
				d.log.Info("quota exhausted, booking flagged for pay-per-ride surcharge",
					"request_id", req.ID, "driver_id", offer.DriverID)
			} else {
				// quota emptied between ranking and accept: hand the
				// assignment back and keep dispatching
				if _, err := d.deps.Store.CompareAndSwap(ctx, req.ID, updated.AssignmentVersion, true, func(r *models.Request) error {
					r.Status = models.StatusOffering
					r.AssignedDriverID = ""
					r.AcceptedAt = nil
					return nil
				}); err != nil {
					return false, err
				}
				_ = d.deps.Offers.UpdateOfferStatus(ctx, offer.ID, models.OfferExpired)
				d.log.Warn("quota exhausted at accept, assignment reverted",
					"request_id", req.ID, "driver_id", offer.DriverID)
				return false, nil
			}
		} else if qerr != nil {
			return false, qerr
		}
	}

	if d.deps.Locations != nil {
		_ = d.deps.Locations.SetAvailable(ctx, offer.DriverID, false)
	}
	if d.deps.Demand != nil {
		d.deps.Demand.RequestSettled(updated.ZoneID, updated.Class)
	}
	d.deps.Events.Emit(models.Event{Type: models.EventAssignmentAccepted, RequestID: req.ID, DriverID: offer.DriverID, OfferID: offer.ID, Status: models.StatusAccepted, At: acceptedAt})
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(acceptedAt.Sub(updated.RequestedAt).Seconds())
	d.log.Info("assignment accepted",
		"request_id", req.ID, "driver_id", offer.DriverID, "offer_id", offer.ID,
		"assignment_version", updated.AssignmentVersion, "distance_km", c.DistanceKm)
	return true, nil
}

// RespondToOffer resolves a pending offer with the driver's answer. A
// response after the sweep expired the offer is ErrOfferExpired; the
// accept itself is still subject to the CAS in the dispatch cycle.
func (d *Dispatcher) RespondToOffer(ctx context.Context, offerID string, accept bool) error {
	d.mu.Lock()
	po, ok := d.pending[offerID]
	if ok {
		delete(d.pending, offerID)
		delete(d.byRequest, po.offer.RequestID)
	}
	d.mu.Unlock()
	if !ok {
		if _, err := d.deps.Offers.GetOffer(ctx, offerID); err != nil {
			return models.ErrOfferNotFound
		}
		return models.ErrOfferExpired
	}
	if accept {
		po.ch <- outcomeAccepted
		return nil
	}
	if err := d.deps.Offers.UpdateOfferStatus(ctx, offerID, models.OfferRejected); err != nil {
		d.log.Error("offer journal update failed", "offer_id", offerID, "error", err)
	}
	po.ch <- outcomeRejected
	return nil
}

// Cancel moves a request to Cancelled from any non-terminal state. The
// CAS bump makes the cancellation visible to any in-flight accept, so a
// late driver acceptance is rejected, not silently committed.
func (d *Dispatcher) Cancel(ctx context.Context, requestID, reason string) error {
	for attempt := 0; attempt < 3; attempt++ {
		req, err := d.deps.Store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == models.StatusCancelled {
			return nil
		}
		if req.Status.Terminal() {
			return fmt.Errorf("request %s is %s: %w", requestID, req.Status, models.ErrRequestTerminal)
		}
		wasAccepted := req.AcceptedAt != nil && req.AssignedDriverID != ""
		wasOffering := req.Status == models.StatusOffering
		cancelledAt := d.now()
		updated, err := d.deps.Store.CompareAndSwap(ctx, requestID, req.AssignmentVersion, true, func(r *models.Request) error {
			if r.Status.Terminal() {
				return models.ErrRequestTerminal
			}
			r.Status = models.StatusCancelled
			r.CancelledAt = &cancelledAt
			return nil
		})
		if errors.Is(err, models.ErrAssignmentConflict) {
			continue
		}
		if err != nil {
			return err
		}

		d.resolveRequestOffer(requestID, outcomeCancelled)
		if wasOffering && d.deps.Demand != nil {
			d.deps.Demand.RequestSettled(updated.ZoneID, updated.Class)
		}

		var fee int64
		if wasAccepted {
			// cancellation after accept may carry a fee and hands the
			// ride back to the driver's allowance
			fee = d.deps.CancelPolicy.Fee(updated)
			if d.deps.Quota != nil && !updated.OverageSurcharge {
				if err := d.deps.Quota.Refund(ctx, updated.AssignedDriverID, requestID); err != nil {
					d.log.Error("quota refund failed", "request_id", requestID, "driver_id", updated.AssignedDriverID, "error", err)
				}
			}
			if d.deps.Locations != nil {
				_ = d.deps.Locations.SetAvailable(ctx, updated.AssignedDriverID, true)
			}
		}
		if updated.EscrowID != "" {
			if reason == "" {
				reason = "cancelled"
			}
			if err := d.deps.Escrow.Refund(ctx, updated.EscrowID, reason); err != nil {
				d.log.Error("escrow refund on cancel failed", "request_id", requestID, "escrow_id", updated.EscrowID, "error", err)
			}
			if fee > 0 {
				d.log.Info("cancellation fee flagged for billing", "request_id", requestID, "fee", fee)
			}
		}
		d.deps.Events.Emit(models.Event{Type: models.EventStatusChanged, RequestID: requestID, DriverID: updated.AssignedDriverID, Status: models.StatusCancelled, At: cancelledAt})
		d.log.Info("request cancelled", "request_id", requestID, "reason", reason, "was_accepted", wasAccepted)
		return nil
	}
	return models.ErrAssignmentConflict
}

// milestone order after acceptance
var milestoneFrom = map[models.RequestStatus]models.RequestStatus{
	models.StatusEnRoute:    models.StatusAccepted,
	models.StatusArrived:    models.StatusEnRoute,
	models.StatusInProgress: models.StatusArrived,
	models.StatusCompleted:  models.StatusInProgress,
}

// Progress records a driver/app-reported milestone. Completed releases
// the escrow and frees the driver; the quota ledger is not re-touched.
func (d *Dispatcher) Progress(ctx context.Context, requestID string, to models.RequestStatus) (*models.Request, error) {
	from, ok := milestoneFrom[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a milestone", models.ErrInvalidTransition, to)
	}
	stamp := d.now()
	var updated *models.Request
	for attempt := 0; attempt < 3; attempt++ {
		req, err := d.deps.Store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, models.ErrRequestTerminal)
		}
		updated, err = d.deps.Store.CompareAndSwap(ctx, requestID, req.AssignmentVersion, false, func(r *models.Request) error {
			if r.Status != from {
				return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, r.Status, to)
			}
			r.Status = to
			switch to {
			case models.StatusEnRoute:
				r.EnRouteAt = &stamp
			case models.StatusArrived:
				r.ArrivedAt = &stamp
			case models.StatusInProgress:
				r.PickedUpAt = &stamp
			case models.StatusCompleted:
				r.CompletedAt = &stamp
			}
			return nil
		})
		if errors.Is(err, models.ErrAssignmentConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if updated == nil {
		return nil, models.ErrAssignmentConflict
	}

	if to == models.StatusCompleted {
		if updated.EscrowID != "" {
			if err := d.deps.Escrow.Release(ctx, updated.EscrowID); err != nil {
				d.log.Error("escrow release on completion failed", "request_id", requestID, "escrow_id", updated.EscrowID, "error", err)
			}
		}
		if d.deps.Locations != nil && updated.AssignedDriverID != "" {
			_ = d.deps.Locations.SetAvailable(ctx, updated.AssignedDriverID, true)
		}
	}
	d.deps.Events.Emit(models.Event{Type: models.EventStatusChanged, RequestID: requestID, DriverID: updated.AssignedDriverID, Status: to, At: stamp})
	d.log.Info("milestone", "request_id", requestID, "status", to)
	return updated, nil
}

func (d *Dispatcher) failNoDrivers(ctx context.Context, req *models.Request, history []string) {
	cancelledAt := d.now()
	updated, err := d.deps.Store.CompareAndSwap(ctx, req.ID, req.AssignmentVersion, true, func(r *models.Request) error {
		if r.Status != models.StatusOffering {
			return models.ErrAssignmentConflict
		}
		r.Status = models.StatusCancelled
		r.CancelledAt = &cancelledAt
		return nil
	})
	if err != nil {
		d.log.Warn("no-drivers teardown lost CAS, request mutated externally", "request_id", req.ID, "error", err)
		return
	}
	if d.deps.Demand != nil {
		d.deps.Demand.RequestSettled(updated.ZoneID, updated.Class)
	}
	if updated.EscrowID != "" {
		if err := d.deps.Escrow.Refund(ctx, updated.EscrowID, "no_drivers_available"); err != nil {
			d.log.Error("escrow refund failed", "request_id", req.ID, "escrow_id", updated.EscrowID, "error", err)
		}
	}
	d.deps.Events.Emit(models.Event{Type: models.EventStatusChanged, RequestID: req.ID, Status: models.StatusCancelled, At: cancelledAt})
	d.log.Error("NoDriversAvailable, retry budget exhausted",
		"request_id", req.ID, "assignment_version", updated.AssignmentVersion,
		"history", strings.Join(history, "; "))
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.OfferSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.expireOffers(ctx)
		}
	}
}

func (d *Dispatcher) expireOffers(ctx context.Context) {
	now := d.now()
	var expired []*pendingOffer
	d.mu.Lock()
	for id, po := range d.pending {
		if po.offer.ExpiresAt.After(now) {
			continue
		}
		delete(d.pending, id)
		delete(d.byRequest, po.offer.RequestID)
		expired = append(expired, po)
	}
	d.mu.Unlock()
	for _, po := range expired {
		if err := d.deps.Offers.UpdateOfferStatus(ctx, po.offer.ID, models.OfferExpired); err != nil {
			d.log.Error("offer journal update failed", "offer_id", po.offer.ID, "error", err)
		}
		po.ch <- outcomeExpired
	}
}

func (d *Dispatcher) resolveRequestOffer(requestID string, out offerOutcome) {
	d.mu.Lock()
	offerID, ok := d.byRequest[requestID]
	var po *pendingOffer
	if ok {
		po = d.pending[offerID]
		delete(d.pending, offerID)
		delete(d.byRequest, requestID)
	}
	d.mu.Unlock()
	if po != nil {
		po.ch <- out
	}
}

func (d *Dispatcher) removePending(offerID string) {
	d.mu.Lock()
	if po, ok := d.pending[offerID]; ok {
		delete(d.pending, offerID)
		delete(d.byRequest, po.offer.RequestID)
	}
	d.mu.Unlock()
}

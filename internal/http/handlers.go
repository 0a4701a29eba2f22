package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-engine/internal/demand"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/ingest"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/zone"
)

// EscrowAPI is the slice of the settlement service the HTTP layer uses.
type EscrowAPI interface {
	Release(ctx context.Context, id string) error
	Refund(ctx context.Context, id, reason string) error
	Dispute(ctx context.Context, id, reason string) error
}

type Server struct {
	Dispatcher *dispatch.Dispatcher
	Escrow     EscrowAPI
	Geo        geo.LocationStore
	Zones      *zone.Classifier
	Demand     *demand.Estimator
	Kafka      *ingest.KafkaProducer
	WSReg      *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d *dispatch.Dispatcher, es EscrowAPI, g geo.LocationStore, zc *zone.Classifier, de *demand.Estimator, kp *ingest.KafkaProducer, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Dispatcher: d,
		Escrow:     es,
		Geo:        g,
		Zones:      zc,
		Demand:     de,
		Kafka:      kp,
		WSReg:      ws,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/progress", s.handleProgress).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/respond", s.handleOfferResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/escrow/{id}/release", s.handleEscrowRelease).Methods("POST")
	s.mux.HandleFunc("/api/v1/escrow/{id}/refund", s.handleEscrowRefund).Methods("POST")
	s.mux.HandleFunc("/api/v1/escrow/{id}/dispute", s.handleEscrowDispute).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if d.DriverID == "" {
		http.Error(w, "driver_id required", 400)
		return
	}
	d.Online = true
	// publish to kafka if configured; the consumer owns the durable path
	if s.Kafka != nil {
		_ = s.Kafka.PublishLocation(d)
	}
	if err := s.Geo.Upsert(r.Context(), d); err != nil {
		s.logger.Error("location upsert failed", "driver_id", d.DriverID, "error", err)
	}
	if s.Demand != nil && s.Zones != nil {
		if z, err := s.Zones.Classify(d.Loc); err == nil {
			s.Demand.ObserveDriver(d, z.ID)
		}
	}
	observability.DriversOnline.Inc()
	w.WriteHeader(204)
}

type createRequestBody struct {
	RequesterID string              `json:"requester_id"`
	Pickup      models.Coord        `json:"pickup"`
	Destination models.Coord        `json:"destination"`
	Class       models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if body.RequesterID == "" {
		http.Error(w, "requester_id required", 400)
		return
	}
	req, err := s.Dispatcher.CreateRequest(r.Context(), body.RequesterID, body.Pickup, body.Destination, body.Class)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Dispatcher.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Dispatcher.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.RequestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Dispatcher.Progress(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.Dispatcher.RespondToOffer(r.Context(), mux.Vars(r)["id"], body.Accept); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.Escrow.Release(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Escrow.Refund(r.Context(), mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Escrow.Dispute(r.Context(), mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

var upgrader = websocket.Upgrader{}

// wsOfferResponse is what the driver app writes back on the socket.
type wsOfferResponse struct {
	OfferID string `json:"offer_id"`
	Accept  bool   `json:"accept"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Debug("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	go s.wsReadLoop(id, conn)
}

func (s *Server) wsReadLoop(driverID string, conn *websocket.Conn) {
	defer func() {
		s.WSReg.Remove(driverID)
		_ = conn.Close()
	}()
	for {
		var resp wsOfferResponse
		if err := conn.ReadJSON(&resp); err != nil {
			s.logger.Debug("ws session closed", "driver_id", driverID, "error", err)
			return
		}
		if resp.OfferID == "" {
			continue
		}
		if err := s.Dispatcher.RespondToOffer(context.Background(), resp.OfferID, resp.Accept); err != nil {
			_ = conn.WriteJSON(map[string]any{"offer_id": resp.OfferID, "error": err.Error()})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrRequestNotFound),
		errors.Is(err, models.ErrOfferNotFound),
		errors.Is(err, models.ErrEscrowNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrOfferExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, models.ErrInvalidZone):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrAssignmentConflict),
		errors.Is(err, models.ErrRequestTerminal),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrEscrowTerminal),
		errors.Is(err, models.ErrEscrowDisputed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrNoDriversAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/dispatch-engine/internal/models"
)

// Notifier carries an offer to the candidate driver. Delivery is
// best-effort: the dispatch cycle keeps waiting for the driver's
// response either way, bounded by the offer TTL.
type Notifier interface {
	Offer(offer models.DriverOffer) error
}

var ErrNoSession = errors.New("no driver session")

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver websocket sessions keyed by driver id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Offer(offer models.DriverOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(offer)
}

// PushNotifier tries the driver's live websocket first and falls back
// to an HTTP push endpoint (FCM-style relay). Both legs are
// fire-and-forget.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
	Log      *slog.Logger
}

func NewPushNotifier(endpoint, key string, ws *WSRegistry, log *slog.Logger) *PushNotifier {
	return &PushNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
		Log:      log,
	}
}

func (p *PushNotifier) Offer(offer models.DriverOffer) error {
	if p.WS != nil {
		if err := p.WS.Offer(offer); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body := map[string]any{"driver_id": offer.DriverID, "offer": offer}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if p.Log != nil {
			p.Log.Warn("push delivery failed", "driver_id", offer.DriverID, "error", err)
		}
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// EventSink receives fire-and-forget domain events. Implementations
// must never block the dispatch path.
type EventSink interface {
	Emit(e models.Event)
}

// NopSink drops events; used when no broker is configured.
type NopSink struct{}

func (NopSink) Emit(models.Event) {}

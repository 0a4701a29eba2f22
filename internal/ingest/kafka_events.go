package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/dispatch-engine/internal/models"
)

// KafkaEventSink publishes dispatch lifecycle events. Emit never blocks
// the caller: events are queued on a buffered channel and written by a
// single background goroutine; when the queue is full the event is
// dropped and counted in the log. Emits racing Close are dropped.
type KafkaEventSink struct {
	writer *kafka.Writer
	log    *slog.Logger
	queue  chan models.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewKafkaEventSink(brokers []string, topic string, log *slog.Logger) *KafkaEventSink {
	s := &KafkaEventSink{
		writer: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}}),
		log:    log,
		queue:  make(chan models.Event, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaEventSink) Emit(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.log.Warn("event queue full, dropping event", "type", e.Type, "request_id", e.RequestID)
	}
}

func (s *KafkaEventSink) run() {
	defer close(s.done)
	for e := range s.queue {
		b, err := json.Marshal(e)
		if err != nil {
			s.log.Error("event marshal failed", "type", e.Type, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RequestID), Value: b})
		cancel()
		if err != nil {
			s.log.Warn("event publish failed", "type", e.Type, "request_id", e.RequestID, "error", err)
		}
	}
}

// Close drains queued events and closes the writer. Safe to call more
// than once.
func (s *KafkaEventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	return s.writer.Close()
}

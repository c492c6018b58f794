package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
)

// ErrSignatureInvalid fails the whole ingestion before any state is touched.
var ErrSignatureInvalid = errors.New("webhook: invalid signature")

// ErrMalformedEvent indicates the payload could not be decoded into an event.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// Handler applies the side effects for one event type.
type Handler func(ctx context.Context, event domain.WebhookEvent) error

// Ack is the ingestion outcome. Duplicate deliveries and unsupported types
// are both acknowledged so the sender stops retrying.
type Ack struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Handled   bool   `json:"handled"`
}

// Service ingests externally delivered events exactly once despite
// at-least-once delivery. The unique constraint on event_id is the
// correctness mechanism, not a best-effort check.
type Service struct {
	events   repository.WebhookEventRepository
	handlers map[string]Handler
	secret   []byte
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service. An empty secret disables signature checking.
func New(events repository.WebhookEventRepository, secret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "webhook")
	return &Service{
		events:   events,
		handlers: make(map[string]Handler),
		secret:   []byte(strings.TrimSpace(secret)),
		logger:   logger,
		now:      time.Now,
	}
}

// Register installs the handler for an event type.
func (s *Service) Register(eventType string, handler Handler) {
	s.handlers[eventType] = handler
}

// VerifySignature checks the HMAC-SHA256 hex signature over the raw body.
func (s *Service) VerifySignature(body []byte, provided string) error {
	if len(s.secret) == 0 {
		return nil
	}
	if provided == "" {
		return ErrSignatureInvalid
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(body)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

type eventEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Ingest applies one delivery. Signature first, then the atomic
// check-and-insert of the event id; a duplicate returns success immediately
// without re-running side effects.
func (s *Service) Ingest(ctx context.Context, body []byte, signature string) (Ack, error) {
	if err := s.VerifySignature(body, signature); err != nil {
		return Ack{}, err
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	envelope.ID = strings.TrimSpace(envelope.ID)
	envelope.Type = strings.TrimSpace(envelope.Type)
	if envelope.ID == "" || envelope.Type == "" {
		return Ack{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	event := domain.WebhookEvent{
		EventID:    envelope.ID,
		Type:       envelope.Type,
		Payload:    envelope.Payload,
		ReceivedAt: s.now().UTC(),
	}
	if err := s.events.InsertWebhookEvent(ctx, &event); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.logger.Info("duplicate webhook delivery discarded", "event_id", event.EventID, "type", event.Type)
			return Ack{EventID: event.EventID, Duplicate: true}, nil
		}
		return Ack{}, fmt.Errorf("record webhook event: %w", err)
	}

	handler, supported := s.handlers[event.Type]
	if !supported {
		// Acknowledge unsupported types so the sender doesn't retry-storm.
		s.logger.Info("unsupported webhook type acknowledged", "event_id", event.EventID, "type", event.Type)
		s.markProcessed(ctx, event.EventID)
		return Ack{EventID: event.EventID}, nil
	}

	if err := handler(ctx, event); err != nil {
		// The id is already claimed: side effects are at-most-once, so a
		// handler failure is logged and acknowledged, not retried.
		s.logger.Error("webhook handler failed", "event_id", event.EventID, "type", event.Type, "error", err)
		return Ack{EventID: event.EventID}, nil
	}

	s.markProcessed(ctx, event.EventID)
	s.logger.Info("webhook event processed", "event_id", event.EventID, "type", event.Type)
	return Ack{EventID: event.EventID, Handled: true}, nil
}

func (s *Service) markProcessed(ctx context.Context, eventID string) {
	if err := s.events.MarkWebhookProcessed(ctx, eventID, s.now().UTC()); err != nil {
		s.logger.Warn("mark webhook processed failed", "event_id", eventID, "error", err)
	}
}

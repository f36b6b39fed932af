package realtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/statestore"
	"github.com/headcount/headcount/internal/telemetry"
)

// Error codes sent in error frames.
const (
	CodeInvalidPayload       = "invalid_payload"
	CodeOrganizationMismatch = "organization_mismatch"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal_error"
)

// ErrOrganizationMismatch is returned when a command names an organization other
// than the one its connection is bound to.
var ErrOrganizationMismatch = errors.New("organization does not match session")

// ErrRateLimited is returned when a connection exceeds its command budget.
var ErrRateLimited = errors.New("command rate limit exceeded")

// Source is the connection a command arrived on.
type Source interface {
	ID() string
	OrganizationID() string
	SendError(code, message string) error
}

// Publisher fans a new state out to an organization.
type Publisher interface {
	Publish(orgID string, st counter.State) int
}

// Processor turns inbound frames into state changes and broadcasts.
type Processor struct {
	store     *statestore.Store
	publisher Publisher
	limiter   CommandLimiter
}

// NewProcessor wires a processor. A nil limiter admits everything.
func NewProcessor(store *statestore.Store, publisher Publisher, limiter CommandLimiter) *Processor {
	if limiter == nil {
		limiter = NoopLimiter{}
	}
	return &Processor{store: store, publisher: publisher, limiter: limiter}
}

// Handle decodes and applies one raw frame from src. Commands always run against
// the organization bound to src. A rejected command changes nothing and only src
// is told about it. The returned error is the rejection, if any.
func (p *Processor) Handle(ctx context.Context, src Source, raw []byte) error {
	orgID := src.OrganizationID()

	frame, err := counter.DecodeFrame(raw)
	if err != nil {
		return p.reject(src, "unknown", CodeInvalidPayload, err)
	}
	event := frame.Event

	cmd, err := counter.DecodeCommand(event, frame.Data)
	if err != nil {
		return p.reject(src, metricEvent(event), CodeInvalidPayload, err)
	}
	if cmd.OrganizationID != "" && cmd.OrganizationID != orgID {
		return p.reject(src, event, CodeOrganizationMismatch, ErrOrganizationMismatch)
	}
	if !p.limiter.Allow(ctx, src.ID()) {
		return p.reject(src, event, CodeRateLimited, ErrRateLimited)
	}

	res, err := p.store.Apply(ctx, orgID, cmd)
	if err != nil {
		code := CodeInternal
		if errors.Is(err, counter.ErrInvalidCommandPayload) || errors.Is(err, counter.ErrInvalidOrganization) {
			code = CodeInvalidPayload
		}
		return p.reject(src, event, code, err)
	}

	if !res.Changed {
		telemetry.CommandsTotal.WithLabelValues(event, "noop").Inc()
		return nil
	}
	telemetry.CommandsTotal.WithLabelValues(event, "applied").Inc()
	p.publisher.Publish(orgID, res.State)
	return nil
}

func (p *Processor) reject(src Source, event, code string, err error) error {
	telemetry.CommandsTotal.WithLabelValues(event, "rejected").Inc()
	level := slog.LevelWarn
	if code == CodeInternal {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "realtime: command rejected",
		"connection_id", src.ID(),
		"organization_id", src.OrganizationID(),
		"event", event,
		"code", code,
		"error", err,
	)
	if sendErr := src.SendError(code, err.Error()); sendErr != nil {
		slog.Debug("realtime: could not send error frame", "connection_id", src.ID(), "error", sendErr)
	}
	return err
}

// metricEvent bounds the event label to the known command names.
func metricEvent(event string) string {
	switch counter.Kind(event) {
	case counter.KindIncrement, counter.KindDecrement, counter.KindReset,
		counter.KindToggleVisibility, counter.KindUpdateLineLength, counter.KindUpdateMaxCapacity:
		return event
	default:
		return "unknown"
	}
}

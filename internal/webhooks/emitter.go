package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowbot/internal/disputes"
	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/withdrawals"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors, deliveriesTotal)
}

// Broadcaster receives every emitted event, subscribed to or not.
type Broadcaster interface {
	Broadcast(event *Event)
}

// Emitter turns escrow, dispute and withdrawal events into webhook
// deliveries. All methods are fire-and-forget: errors are logged but never
// returned.
type Emitter struct {
	d      *Dispatcher
	stream Broadcaster
	now    func() time.Time
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, now: time.Now, logger: logger}
}

// WithBroadcaster also hands every event to b.
func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.stream = b
	return e
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, recipients []int64, data interface{}) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		Timestamp:  e.now(),
		Recipients: recipients,
		Data:       data,
	}
	if e.stream != nil {
		e.stream.Broadcast(event)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "eventId", event.ID, "error", err)
	}
}

// TransactionEvent notifies both parties of a trade.
func (e *Emitter) TransactionEvent(ctx context.Context, event string, tx *escrow.Transaction) {
	recipients := []int64{tx.BuyerID}
	if tx.HasSeller() {
		recipients = append(recipients, tx.SellerID)
	}
	e.emit(ctx, EventType(event), recipients, tx)
}

// DisputeEvent notifies the user who opened the dispute.
func (e *Emitter) DisputeEvent(ctx context.Context, event string, d *disputes.Dispute) {
	e.emit(ctx, EventType(event), []int64{d.InitiatorID}, d)
}

// WithdrawalEvent notifies the withdrawing user.
func (e *Emitter) WithdrawalEvent(ctx context.Context, event string, w *withdrawals.Withdrawal) {
	e.emit(ctx, EventType(event), []int64{w.UserID}, w)
}

var (
	_ escrow.Notifier      = (*Emitter)(nil)
	_ disputes.Notifier    = (*Emitter)(nil)
	_ withdrawals.Notifier = (*Emitter)(nil)
)

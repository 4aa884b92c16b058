package notify

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obike/campuspay/internal/idgen"
	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/money"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campuspay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campuspay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter turns wallet lifecycle moments into notification events. All
// methods are fire-and-forget: errors are logged, never returned, so a
// broken webhook can never fail a payment.
type Emitter struct {
	d *Dispatcher
}

// NewEmitter creates a new emitter.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d}
}

func (e *Emitter) emit(ctx context.Context, userID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		logging.L(ctx).Warn("notification emit failed",
			"event", eventType, "userId", userID, "error", err)
	}
}

// PaymentConfirmed emits a payment.confirmed event.
func (e *Emitter) PaymentConfirmed(ctx context.Context, userID, reference string, amount int64) {
	e.emit(ctx, userID, EventPaymentConfirmed, map[string]interface{}{
		"userId":    userID,
		"reference": reference,
		"amount":    money.Format(amount),
	})
}

// EscrowReleased emits an escrow.released event to the seller.
func (e *Emitter) EscrowReleased(ctx context.Context, sellerID, escrowID string, net int64) {
	e.emit(ctx, sellerID, EventEscrowReleased, map[string]interface{}{
		"sellerId": sellerID,
		"escrowId": escrowID,
		"net":      money.Format(net),
	})
}

// StreakAwarded emits a streak.awarded event.
func (e *Emitter) StreakAwarded(ctx context.Context, userID string, day int, amount int64) {
	e.emit(ctx, userID, EventStreakAwarded, map[string]interface{}{
		"userId": userID,
		"day":    day,
		"amount": money.Format(amount),
	})
}

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedDelivery struct {
	body      []byte
	signature string
	eventType string
}

func newCaptureServer(t *testing.T) (*httptest.Server, func() []capturedDelivery) {
	t.Helper()
	var mu sync.Mutex
	var deliveries []capturedDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		deliveries = append(deliveries, capturedDelivery{
			body:      body,
			signature: r.Header.Get("X-Campuspay-Signature"),
			eventType: r.Header.Get("X-Campuspay-Event"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedDelivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedDelivery(nil), deliveries...)
	}
}

func subscribe(t *testing.T, store Store, userID, url string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        "wh_test_" + userID,
		UserID:    userID,
		URL:       url,
		Secret:    "sub-secret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

func TestDispatchDeliversSignedEvent(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store)
	subscribe(t, store, "ada", srv.URL, EventPaymentConfirmed)

	event := &Event{
		ID:        "evt_1",
		Type:      EventPaymentConfirmed,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"reference": "pay_abc"},
	}
	require.NoError(t, d.DispatchToUser(context.Background(), "ada", event))
	d.Wait()

	deliveries := got()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "payment.confirmed", deliveries[0].eventType)
	assert.Equal(t, Sign(deliveries[0].body, "sub-secret"), deliveries[0].signature)

	var received Event
	require.NoError(t, json.Unmarshal(deliveries[0].body, &received))
	assert.Equal(t, "evt_1", received.ID)
	assert.Equal(t, "pay_abc", received.Data["reference"])
}

func TestDispatchFiltersByEventType(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store)
	subscribe(t, store, "ada", srv.URL, EventEscrowReleased)

	event := &Event{ID: "evt_2", Type: EventPaymentConfirmed, Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "ada", event))
	d.Wait()

	assert.Empty(t, got(), "unsubscribed event types must not be delivered")
}

func TestDispatchSkipsInactive(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store)
	sub := subscribe(t, store, "ada", srv.URL, EventPaymentConfirmed)
	sub.Active = false
	require.NoError(t, store.Update(context.Background(), sub))

	event := &Event{ID: "evt_3", Type: EventPaymentConfirmed, Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "ada", event))
	d.Wait()

	assert.Empty(t, got())
}

func TestDispatchOnlyTargetUser(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store)
	subscribe(t, store, "chidi", srv.URL, EventPaymentConfirmed)

	event := &Event{ID: "evt_4", Type: EventPaymentConfirmed, Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "ada", event))
	d.Wait()

	assert.Empty(t, got(), "other users' subscriptions must not fire")
}

func TestFailingEndpointDisablesSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := NewDispatcher(store)
	sub := subscribe(t, store, "ada", srv.URL, EventPaymentConfirmed)

	ctx := context.Background()
	for i := 0; i < disableAfterFailures; i++ {
		event := &Event{ID: "evt_fail", Type: EventPaymentConfirmed, Timestamp: time.Now()}
		require.NoError(t, d.DispatchToUser(ctx, "ada", event))
		d.Wait()
	}

	updated, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, updated.Active, "subscription should be switched off after repeated failures")
	assert.Equal(t, "status 500", updated.LastError)
}

func TestEmitterPaymentConfirmed(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store)
	subscribe(t, store, "ada", srv.URL, EventPaymentConfirmed)

	e := NewEmitter(d)
	e.PaymentConfirmed(context.Background(), "ada", "pay_abc", 250000)
	d.Wait()

	deliveries := got()
	require.Len(t, deliveries, 1)

	var received Event
	require.NoError(t, json.Unmarshal(deliveries[0].body, &received))
	assert.Equal(t, EventPaymentConfirmed, received.Type)
	assert.Equal(t, "2500.00", received.Data["amount"])
	assert.NotEmpty(t, received.ID)
}

func TestNilEmitterIsNoOp(t *testing.T) {
	var e *Emitter
	e.PaymentConfirmed(context.Background(), "ada", "pay_abc", 100)
	e.EscrowReleased(context.Background(), "ada", "esc_1", 100)
	e.StreakAwarded(context.Background(), "ada", 3, 100)
}

func TestFirehoseReceivesEveryEvent(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	d := NewDispatcher(store).WithFirehose(srv.URL, "hose-secret")

	// No per-user subscriptions at all.
	event := &Event{ID: "evt_5", Type: EventEscrowReleased, Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "ada", event))
	d.Wait()

	deliveries := got()
	require.Len(t, deliveries, 1)
	assert.Equal(t, Sign(deliveries[0].body, "hose-secret"), deliveries[0].signature)
}

func TestSignIsStable(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	assert.Equal(t, Sign(payload, "secret"), Sign(payload, "secret"))
	assert.NotEqual(t, Sign(payload, "secret"), Sign(payload, "other"))
}

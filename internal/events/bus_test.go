package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestTypedSubscriptionFilters(t *testing.T) {
	bus := NewBus()
	anomalies := bus.Subscribe(TypeAnomalyDetected)
	defer bus.Unsubscribe(anomalies)

	bus.EmitScoped(TypeQuarantineOpened, "selfheal", "agent-1", "t1", "prod", "c1", nil)
	bus.EmitScoped(TypeAnomalyDetected, "detector", "agent-1", "t1", "prod", "c2", map[string]interface{}{
		"metric_name": "error_rate",
	})

	ev := receive(t, anomalies)
	assert.Equal(t, TypeAnomalyDetected, ev.Type)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "prod", ev.Env)
	assert.Equal(t, "c2", ev.CorrelationID)
	assert.Equal(t, "error_rate", ev.Data["metric_name"])

	select {
	case extra := <-anomalies:
		t.Fatalf("unexpected event: %v", extra.Type)
	default:
	}
}

func TestWildcardSubscriptionSeesEverything(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(TypeBreakerOpened, "breakers", "zapier", "c1", nil)
	bus.Emit(TypeRemediationApplied, "selfheal", "agent-2", "c2", nil)

	assert.Equal(t, TypeBreakerOpened, receive(t, all).Type)
	assert.Equal(t, TypeRemediationApplied, receive(t, all).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeAnomalyDetected)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Emit(TypeAnomalyDetected, "detector", "a", "c", nil)
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeAnomalyDetected)
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Emit(TypeAnomalyDetected, "detector", "a", "c", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestCloudEventEnvelope(t *testing.T) {
	ev := NewCloudEvent(TypeAnomalyDetected, "detector", "agent-9", map[string]interface{}{"z": 4.2})
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())

	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"specversion":"1.0"`)
	assert.Contains(t, string(raw), TypeAnomalyDetected)
}

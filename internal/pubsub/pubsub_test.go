package pubsub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesAllListeners(t *testing.T) {
	broker := NewBroker[string]()

	var got []string
	for i := 0; i < 3; i++ {
		i := i
		_, err := broker.Subscribe(func(e Event[string]) {
			got = append(got, fmt.Sprintf("%d:%s", i, e.Payload))
		})
		require.NoError(t, err)
	}

	broker.Publish(SessionCreated, "s1", "hello")

	// Listeners fire in subscription order.
	assert.Equal(t, []string{"0:hello", "1:hello", "2:hello"}, got)
}

func TestBroker_EventCarriesTypeAndSession(t *testing.T) {
	broker := NewBroker[int]()

	var received Event[int]
	_, err := broker.Subscribe(func(e Event[int]) { received = e })
	require.NoError(t, err)

	broker.Publish(TurnCompleted, "s42", 7)

	assert.Equal(t, TurnCompleted, received.Type)
	assert.Equal(t, "s42", received.SessionID)
	assert.Equal(t, 7, received.Payload)
}

func TestBroker_PanickingListenerIsolated(t *testing.T) {
	broker := NewBroker[string]()

	var afterFired bool
	_, err := broker.Subscribe(func(Event[string]) { panic("listener bug") })
	require.NoError(t, err)
	_, err = broker.Subscribe(func(Event[string]) { afterFired = true })
	require.NoError(t, err)

	require.NotPanics(t, func() {
		broker.Publish(SessionUpdated, "s1", "x")
	})
	assert.True(t, afterFired, "siblings still run after a panic")
}

func TestBroker_ListenerCap(t *testing.T) {
	broker := NewBrokerWithLimit[string](2)

	_, err := broker.Subscribe(func(Event[string]) {})
	require.NoError(t, err)
	_, err = broker.Subscribe(func(Event[string]) {})
	require.NoError(t, err)

	_, err = broker.Subscribe(func(Event[string]) {})
	require.ErrorIs(t, err, ErrTooManyListeners)
	assert.Equal(t, 2, broker.ListenerCount())
}

func TestBroker_CancelFreesSlot(t *testing.T) {
	broker := NewBrokerWithLimit[string](1)

	cancel, err := broker.Subscribe(func(Event[string]) {})
	require.NoError(t, err)
	cancel()

	_, err = broker.Subscribe(func(Event[string]) {})
	require.NoError(t, err)
}

func TestBroker_CancelStopsDelivery(t *testing.T) {
	broker := NewBroker[string]()

	calls := 0
	cancel, err := broker.Subscribe(func(Event[string]) { calls++ })
	require.NoError(t, err)

	broker.Publish(MetricsUpdated, "s1", "a")
	cancel()
	broker.Publish(MetricsUpdated, "s1", "b")

	assert.Equal(t, 1, calls)
}

func TestBroker_CancelIdempotent(t *testing.T) {
	broker := NewBroker[string]()

	cancel, err := broker.Subscribe(func(Event[string]) {})
	require.NoError(t, err)
	_, err = broker.Subscribe(func(Event[string]) {})
	require.NoError(t, err)

	cancel()
	cancel()
	assert.Equal(t, 1, broker.ListenerCount())
}

func TestBroker_OrderPreservedPerListener(t *testing.T) {
	broker := NewBroker[int]()

	var got []int
	_, err := broker.Subscribe(func(e Event[int]) { got = append(got, e.Payload) })
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		broker.Publish(TurnUpdated, "s1", i)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestBroker_ConcurrentPublishAndSubscribe(t *testing.T) {
	broker := NewBroker[int]()

	var mu sync.Mutex
	count := 0
	_, err := broker.Subscribe(func(Event[int]) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				broker.Publish(SessionUpdated, "s1", j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel, err := broker.Subscribe(func(Event[int]) {})
			if err == nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 400, count)
}

package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kanti-proxy/backend/internal/model"
)

func TestBus_FlushesOnBatchSize(t *testing.T) {
	b := New(2, time.Hour, zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.EmitRequest(model.RequestDetails{ID: 1})
	b.EmitRequest(model.RequestDetails{ID: 2})

	select {
	case ev := <-ch:
		require.Equal(t, RequestBatch, ev.Type)
		require.Len(t, ev.Data, 2)
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush on batch size")
	}
}

func TestBus_FlushesOnTimer(t *testing.T) {
	b := New(50, 20*time.Millisecond, zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.EmitRequest(model.RequestDetails{ID: 1})

	select {
	case ev := <-ch:
		require.Equal(t, RequestBatch, ev.Type)
		require.Len(t, ev.Data, 1)
	case <-time.After(time.Second):
		t.Fatal("expected timer-driven flush")
	}
}

func TestBus_EmitsAtMostTwoEventsNoDuplicates(t *testing.T) {
	b := New(1, 10*time.Millisecond, zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.EmitRequest(model.RequestDetails{ID: 1})
	b.EmitResponse(model.RequestDetails{ID: 1, Status: 200})

	events := map[EventType]int{}
	timeout := time.After(500 * time.Millisecond)
	for len(events) < 2 {
		select {
		case ev := <-ch:
			events[ev.Type]++
		case <-timeout:
			t.Fatalf("timed out waiting for both batch types, got %v", events)
		}
	}

	require.Equal(t, 1, events[RequestBatch])
	require.Equal(t, 1, events[ResponseBatch])
}

func TestBus_ExplicitFlushSendsPending(t *testing.T) {
	b := New(50, time.Hour, zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.EmitRequest(model.RequestDetails{ID: 1})
	b.Flush()

	select {
	case ev := <-ch:
		require.Equal(t, RequestBatch, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected explicit flush to deliver pending batch")
	}
}

func TestBus_FlushIsNoOpWhenEmpty(t *testing.T) {
	b := New(50, time.Hour, zerolog.Nop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Flush()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event on empty flush: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SlowObserverDropsWithoutBlockingFastObserver(t *testing.T) {
	b := New(1, time.Hour, zerolog.Nop())

	slowCh, slowCancel := b.Subscribe()
	defer slowCancel()
	fastCh, fastCancel := b.Subscribe()
	defer fastCancel()

	const n = DefaultObserverCapacity + 50
	for i := 0; i < n; i++ {
		b.EmitRequest(model.RequestDetails{ID: int64(i)})
	}

	drained := 0
	timeout := time.After(2 * time.Second)
drainLoop:
	for {
		select {
		case <-fastCh:
			drained++
			if drained == n {
				break drainLoop
			}
		case <-timeout:
			break drainLoop
		}
	}
	require.Equal(t, n, drained, "fast observer must receive every event")

	require.LessOrEqual(t, len(slowCh), DefaultObserverCapacity, "slow observer backlog must never exceed its channel depth")
}

func TestBus_SubscribeUnsubscribe(t *testing.T) {
	b := New(50, time.Hour, zerolog.Nop())
	_, cancel := b.Subscribe()
	require.Equal(t, 1, b.ObserverCount())
	cancel()
	require.Equal(t, 0, b.ObserverCount())
}

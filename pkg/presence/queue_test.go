package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePollerReplacesSnapshotWholesale(t *testing.T) {
	var mu sync.Mutex
	snap := QueueMetricsSnapshot{QueueSize: 7, OldestWaitSeconds: 42, AvailableAgents: 2}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queue/metrics", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		json.NewEncoder(w).Encode(snap)
	}))
	defer srv.Close()

	p := NewQueueMetricsPoller(NewRegistryClient(srv.URL), PollerOptions{
		Authorized: true,
		Interval:   20 * time.Millisecond,
	})

	_, ok := p.Snapshot()
	assert.False(t, ok, "до первого опроса данных нет")

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, ok := p.Snapshot()
		return ok && got.QueueSize == 7 && got.OldestWaitSeconds == 42
	}, time.Second, 5*time.Millisecond)

	// Очередь изменилась: снимок заменяется целиком на следующем тике
	mu.Lock()
	snap = QueueMetricsSnapshot{QueueSize: 1, OldestWaitSeconds: 3, AvailableAgents: 5}
	mu.Unlock()

	require.Eventually(t, func() bool {
		got, _ := p.Snapshot()
		return got.QueueSize == 1 && got.OldestWaitSeconds == 3 && got.AvailableAgents == 5
	}, time.Second, 5*time.Millisecond)
}

func TestQueuePollerSkipsFailedTicks(t *testing.T) {
	var mu sync.Mutex
	failing := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := failing
		mu.Unlock()
		if fail {
			http.Error(w, "metrics down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(QueueMetricsSnapshot{QueueSize: 4, OldestWaitSeconds: 10})
	}))
	defer srv.Close()

	p := NewQueueMetricsPoller(NewRegistryClient(srv.URL), PollerOptions{
		Authorized: true,
		Interval:   20 * time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, ok := p.Snapshot()
		return ok && got.QueueSize == 4
	}, time.Second, 5*time.Millisecond)

	// Сбой опроса: последний удачный снимок остается на месте
	mu.Lock()
	failing = true
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	got, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 4, got.QueueSize, "сбой не затирает последние данные")
}

func TestQueuePollerInertWithoutAuthorization(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		json.NewEncoder(w).Encode(QueueMetricsSnapshot{})
	}))
	defer srv.Close()

	p := NewQueueMetricsPoller(NewRegistryClient(srv.URL), PollerOptions{
		Authorized: false,
		Interval:   10 * time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, requests)
}

func TestRegistryClientAgentStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agents/status", r.URL.Path)
		json.NewEncoder(w).Encode([]AgentStatus{{Status: "available"}, {Status: "busy"}})
	}))
	defer srv.Close()

	statuses, err := NewRegistryClient(srv.URL).AgentStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "available", statuses[0].Status)
}

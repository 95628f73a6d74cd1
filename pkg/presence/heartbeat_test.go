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

// fakeGate записывает переключения приема входящих.
type fakeGate struct {
	mu      sync.Mutex
	toggles []bool
	seq     *callSequence
}

func (g *fakeGate) SetInboundAvailability(allowed bool) {
	g.mu.Lock()
	g.toggles = append(g.toggles, allowed)
	g.mu.Unlock()
	if g.seq != nil {
		g.seq.add("gate")
	}
}

func (g *fakeGate) last() (bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.toggles) == 0 {
		return false, false
	}
	return g.toggles[len(g.toggles)-1], true
}

// callSequence фиксирует порядок побочных эффектов.
type callSequence struct {
	mu    sync.Mutex
	calls []string
}

func (s *callSequence) add(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *callSequence) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// pingServer тестовый реестр присутствия, складывает полученные пинги в канал.
func pingServer(t *testing.T, available int, seq *callSequence) (*httptest.Server, chan pingRequest) {
	t.Helper()
	pings := make(chan pingRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agents/ping", r.URL.Path)
		var body pingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if seq != nil {
			seq.add("ping")
		}
		pings <- body
		json.NewEncoder(w).Encode(pingResponse{AvailableCount: available})
	}))
	t.Cleanup(srv.Close)
	return srv, pings
}

func waitPing(t *testing.T, pings chan pingRequest) pingRequest {
	t.Helper()
	select {
	case p := <-pings:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat не пришел")
		return pingRequest{}
	}
}

func TestStatusCellForcesBusyDuringCall(t *testing.T) {
	cell := NewStatusCell()

	status, calls := cell.Effective()
	assert.Equal(t, StatusAvailable, status)
	assert.Equal(t, 0, calls)

	// Во время вызова эффективный статус - busy, выбор оператора сохраняется
	cell.SetActiveCalls(1)
	status, calls = cell.Effective()
	assert.Equal(t, StatusBusy, status)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusAvailable, cell.Preferred())

	// Вызов закончился - выбор оператора снова в силе
	cell.SetActiveCalls(0)
	status, _ = cell.Effective()
	assert.Equal(t, StatusAvailable, status)
}

func TestHeartbeatCarriesStatusAtSendTime(t *testing.T) {
	srv, pings := pingServer(t, 3, nil)
	cell := NewStatusCell()
	gate := &fakeGate{}
	hb := NewHeartbeat(cell, NewRegistryClient(srv.URL), gate, HeartbeatOptions{
		Operator:    true,
		Interval:    time.Hour,
		SettleDelay: time.Millisecond,
	})
	hb.sleep = func(time.Duration) {}

	hb.Start(context.Background())
	defer hb.Stop()

	first := waitPing(t, pings)
	assert.Equal(t, "available", first.Status)

	// Смена статуса между тиками: немедленный ping несет НОВЫЙ статус,
	// а не захваченный при запуске цикла
	require.NoError(t, hb.SetStatus(context.Background(), StatusBusy))
	second := waitPing(t, pings)
	assert.Equal(t, "busy", second.Status)

	snap := cell.Snapshot()
	assert.True(t, snap.Registered)
	assert.Equal(t, 3, snap.AvailableAgents)
}

func TestHeartbeatCarriesActiveCallCount(t *testing.T) {
	srv, pings := pingServer(t, 1, nil)
	cell := NewStatusCell()
	hb := NewHeartbeat(cell, NewRegistryClient(srv.URL), nil, HeartbeatOptions{
		Operator: true,
		Interval: time.Hour,
	})

	hb.Start(context.Background())
	defer hb.Stop()
	waitPing(t, pings)

	// Начался вызов: следующий ping несет busy и счетчик вызовов
	cell.SetActiveCalls(1)
	hb.pingNow(context.Background())

	p := waitPing(t, pings)
	assert.Equal(t, "busy", p.Status)
	assert.Equal(t, 1, p.ActiveCalls)
}

func TestSetStatusTogglesDeviceBeforeReporting(t *testing.T) {
	seq := &callSequence{}
	srv, pings := pingServer(t, 0, seq)
	cell := NewStatusCell()
	gate := &fakeGate{seq: seq}
	hb := NewHeartbeat(cell, NewRegistryClient(srv.URL), gate, HeartbeatOptions{
		Operator:    true,
		SettleDelay: time.Millisecond,
	})
	hb.sleep = func(time.Duration) {}

	// Цикл не запущен: ping уходит синхронно, порядок детерминирован
	require.NoError(t, hb.SetStatus(context.Background(), StatusAway))
	waitPing(t, pings)

	assert.Equal(t, []string{"gate", "ping"}, seq.all(), "устройство переключается раньше отчета")
	allowed, ok := gate.last()
	require.True(t, ok)
	assert.False(t, allowed, "away закрывает прием входящих")

	require.NoError(t, hb.SetStatus(context.Background(), StatusAvailable))
	waitPing(t, pings)
	allowed, _ = gate.last()
	assert.True(t, allowed)
}

func TestHeartbeatFailureMarksUnregisteredAndKeepsTicking(t *testing.T) {
	var mu sync.Mutex
	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := failing
		mu.Unlock()
		if fail {
			http.Error(w, "registry down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(pingResponse{AvailableCount: 2})
	}))
	defer srv.Close()

	cell := NewStatusCell()
	hb := NewHeartbeat(cell, NewRegistryClient(srv.URL), nil, HeartbeatOptions{
		Operator: true,
		Interval: 20 * time.Millisecond,
	})
	hb.Start(context.Background())
	defer hb.Stop()

	require.Eventually(t, func() bool {
		return !cell.Snapshot().Registered
	}, time.Second, 5*time.Millisecond, "сбой должен пометить registered=false")

	// Реестр ожил: следующий тик восстанавливает регистрацию без перезапуска
	mu.Lock()
	failing = false
	mu.Unlock()

	require.Eventually(t, func() bool {
		snap := cell.Snapshot()
		return snap.Registered && snap.AvailableAgents == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatInertForNonOperator(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		json.NewEncoder(w).Encode(pingResponse{})
	}))
	defer srv.Close()

	cell := NewStatusCell()
	gate := &fakeGate{}
	hb := NewHeartbeat(cell, NewRegistryClient(srv.URL), gate, HeartbeatOptions{
		Operator:    false,
		Interval:    10 * time.Millisecond,
		SettleDelay: time.Millisecond,
	})
	hb.sleep = func(time.Duration) {}

	hb.Start(context.Background())
	defer hb.Stop()

	// Смена статуса все равно переключает устройство и ячейку
	require.NoError(t, hb.SetStatus(context.Background(), StatusAway))
	assert.Equal(t, StatusAway, cell.Preferred())
	_, toggled := gate.last()
	assert.True(t, toggled)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, requests, "не-операторская роль не шлет heartbeat")
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	cell := NewStatusCell()
	hb := NewHeartbeat(cell, NewRegistryClient("http://127.0.0.1:1"), nil, HeartbeatOptions{Operator: true})

	err := hb.SetStatus(context.Background(), Status("lunch"))
	require.Error(t, err)
	assert.Equal(t, StatusAvailable, cell.Preferred())
}

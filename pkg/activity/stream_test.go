package activity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// activityServer тестовый websocket сервер, шлет уведомления из канала.
func activityServer(t *testing.T) (*httptest.Server, chan Notification) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	outbound := make(chan Notification, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for n := range outbound {
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(outbound) })
	return srv, outbound
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamAppliesNotifications(t *testing.T) {
	srv, outbound := activityServer(t)

	buf := NewBuffer(0)
	s := NewStream(wsURL(srv), buf, StreamOptions{Logger: zerolog.Nop()})
	s.Start(context.Background())
	defer s.Stop()

	outbound <- Notification{ExternalCallID: "x1", Status: "ringing", Number: "2001"}
	outbound <- Notification{ExternalCallID: "x1", Status: "ringing"} // дубликат
	outbound <- Notification{ExternalCallID: "x1", Status: "answered"}

	require.Eventually(t, func() bool {
		return buf.Len() == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries := buf.Entries()
	assert.Equal(t, "answered", entries[0].Status)
	assert.Equal(t, "ringing", entries[1].Status)
}

func TestStreamMirrorsBufferToStore(t *testing.T) {
	srv, outbound := activityServer(t)

	path := filepath.Join(t.TempDir(), "activity.json")
	store := NewStore(path)
	buf := NewBuffer(0)
	s := NewStream(wsURL(srv), buf, StreamOptions{Store: store, Logger: zerolog.Nop()})
	s.Start(context.Background())
	defer s.Stop()

	outbound <- Notification{ExternalCallID: "x1", Status: "ended"}

	require.Eventually(t, func() bool {
		entries, err := store.Load()
		return err == nil && len(entries) == 1 && entries[0].ExternalCallID == "x1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRestoresFromStoreOnStart(t *testing.T) {
	srv, _ := activityServer(t)

	path := filepath.Join(t.TempDir(), "activity.json")
	store := NewStore(path)
	require.NoError(t, store.Save([]Entry{{ExternalCallID: "old", Status: "ended"}}))

	buf := NewBuffer(0)
	s := NewStream(wsURL(srv), buf, StreamOptions{Store: store, Logger: zerolog.Nop()})
	s.Start(context.Background())
	defer s.Stop()

	// Контекст активности виден сразу после рестарта
	entries := buf.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "old", entries[0].ExternalCallID)
}

func TestStreamStopsCleanly(t *testing.T) {
	buf := NewBuffer(0)
	// Адрес заведомо недоступен: поток крутится в цикле переподключения
	s := NewStream("ws://127.0.0.1:1/activity", buf, StreamOptions{
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop не завершился")
	}
}

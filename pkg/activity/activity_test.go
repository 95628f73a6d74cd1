package activity

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferDropsExactDuplicates(t *testing.T) {
	b := NewBuffer(0)

	require.True(t, b.Apply(Notification{ExternalCallID: "x1", Status: "ringing"}))
	require.False(t, b.Apply(Notification{ExternalCallID: "x1", Status: "ringing"}), "точный дубликат отбрасывается")
	require.True(t, b.Apply(Notification{ExternalCallID: "x1", Status: "answered"}), "новый статус того же вызова - не дубликат")

	assert.Equal(t, 2, b.Len())
	entries := b.Entries()
	assert.Equal(t, "answered", entries[0].Status)
	assert.Equal(t, "ringing", entries[1].Status)
}

func TestBufferMergesRecordingByCallID(t *testing.T) {
	b := NewBuffer(0)
	b.Apply(Notification{ExternalCallID: "x1", Status: "ended", Number: "2001"})
	b.Apply(Notification{ExternalCallID: "x2", Status: "ended"})

	// Запись разговора вливается в существующую строку, не добавляя новой
	require.True(t, b.Apply(Notification{ExternalCallID: "x1", RecordingURL: "https://rec/x1.wav"}))
	assert.Equal(t, 2, b.Len())

	for _, e := range b.Entries() {
		if e.ExternalCallID == "x1" {
			assert.Equal(t, "https://rec/x1.wav", e.RecordingURL)
			assert.Equal(t, "ended", e.Status, "статус строки не затирается")
		} else {
			assert.Empty(t, e.RecordingURL)
		}
	}

	// Запись без строки активности отбрасывается
	require.False(t, b.Apply(Notification{ExternalCallID: "ghost", RecordingURL: "https://rec/ghost.wav"}))
	assert.Equal(t, 2, b.Len())
}

func TestBufferBounded(t *testing.T) {
	b := NewBuffer(5)
	for i := 0; i < 20; i++ {
		b.Apply(Notification{ExternalCallID: fmt.Sprintf("c%d", i), Status: "ended"})
	}

	entries := b.Entries()
	require.Len(t, entries, 5)
	// Остаются самые свежие, новые первыми
	assert.Equal(t, "c19", entries[0].ExternalCallID)
	assert.Equal(t, "c15", entries[4].ExternalCallID)
}

func TestBufferIgnoresEmptyCallID(t *testing.T) {
	b := NewBuffer(0)
	assert.False(t, b.Apply(Notification{Status: "ringing"}))
	assert.Zero(t, b.Len())
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.json")
	store := NewStore(path)

	// Пустое зеркало - не ошибка
	entries, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, entries)

	saved := []Entry{
		{ExternalCallID: "x1", Status: "ended", Number: "2001", Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		{ExternalCallID: "x2", Status: "ringing", RecordingURL: "https://rec/x2.wav"},
	}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestBufferRestoreRespectsLimit(t *testing.T) {
	b := NewBuffer(2)
	b.Restore([]Entry{
		{ExternalCallID: "a", Status: "ended"},
		{ExternalCallID: "b", Status: "ended"},
		{ExternalCallID: "c", Status: "ended"},
	})

	entries := b.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ExternalCallID)
}

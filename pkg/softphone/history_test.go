package softphone

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerUpsertInPlace(t *testing.T) {
	l := NewCallHistoryLedger(0)

	l.Upsert(CallInfo{ID: "a", Status: CallConnecting})
	l.Upsert(CallInfo{ID: "a", Status: CallRinging})
	l.Upsert(CallInfo{ID: "a", Status: CallActive})

	require.Equal(t, 1, l.Len())
	assert.Equal(t, CallActive, l.Entries()[0].Status)
}

func TestLedgerNewestFirst(t *testing.T) {
	l := NewCallHistoryLedger(0)

	l.Upsert(CallInfo{ID: "a", Status: CallEnded})
	l.Upsert(CallInfo{ID: "b", Status: CallEnded})
	l.Upsert(CallInfo{ID: "c", Status: CallConnecting})

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, "a", entries[2].ID)
}

func TestLedgerLimit(t *testing.T) {
	l := NewCallHistoryLedger(3)

	for i := 0; i < 5; i++ {
		l.Upsert(CallInfo{ID: fmt.Sprintf("call-%d", i), Status: CallEnded})
	}

	entries := l.Entries()
	require.Len(t, entries, 3)
	// Старые записи вытеснены, свежие остались
	assert.Equal(t, "call-4", entries[0].ID)
	assert.Equal(t, "call-2", entries[2].ID)
}

func TestLedgerFindActiveIndex(t *testing.T) {
	l := NewCallHistoryLedger(0)
	assert.Equal(t, -1, l.FindActiveIndex())

	l.Upsert(CallInfo{ID: "a", Status: CallEnded})
	l.Upsert(CallInfo{ID: "b", Status: CallActive})
	l.Upsert(CallInfo{ID: "c", Status: CallFailed})

	// b активна и лежит под свежей терминальной записью c
	idx := l.FindActiveIndex()
	require.Equal(t, 1, idx)
	assert.Equal(t, "b", l.Entries()[idx].ID)

	l.Upsert(CallInfo{ID: "b", Status: CallEnded})
	assert.Equal(t, -1, l.FindActiveIndex())
}

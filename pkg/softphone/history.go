package softphone

import (
	"sync"
)

// CallHistoryLedger журнал вызовов для UI.
//
// Только добавление и обновление: записи никогда не удаляются автоматически
// (кроме усечения по лимиту). Порядок - новые первыми. Единственные писатели -
// обработчики переходов CallSession, UI только читает.
type CallHistoryLedger struct {
	mu      sync.RWMutex
	entries []CallInfo
	limit   int
}

// NewCallHistoryLedger создает журнал; limit 0 = без ограничения.
func NewCallHistoryLedger(limit int) *CallHistoryLedger {
	return &CallHistoryLedger{limit: limit}
}

// Upsert добавляет запись или обновляет существующую по ID.
// Активная запись перезаписывается на месте при каждом переходе состояния.
func (l *CallHistoryLedger) Upsert(info CallInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].ID == info.ID {
			l.entries[i] = info
			return
		}
	}

	// Новые записи добавляются в начало
	l.entries = append([]CallInfo{info}, l.entries...)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
}

// FindActiveIndex возвращает индекс единственной не-терминальной записи
// или -1, если активного вызова нет.
func (l *CallHistoryLedger) FindActiveIndex() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.entries {
		if !l.entries[i].Status.IsTerminal() {
			return i
		}
	}
	return -1
}

// Entries возвращает копию журнала, новые первыми.
func (l *CallHistoryLedger) Entries() []CallInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]CallInfo, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len возвращает количество записей.
func (l *CallHistoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

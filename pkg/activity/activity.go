// Package activity принимает поток уведомлений об активности вызовов
// из внешней телефонной платформы: чисто наблюдательный канал, ни одно
// уведомление не влияет на состояние вызовов или присутствия.
package activity

import (
	"sync"
	"time"
)

// DefaultBufferLimit размер буфера последних записей активности.
const DefaultBufferLimit = 50

// Notification push уведомление платформы об изменении вызова.
// Ключ дедупликации - пара (externalCallId, status).
type Notification struct {
	ExternalCallID string    `json:"externalCallId"`
	Status         string    `json:"status"`
	Number         string    `json:"number,omitempty"`
	RecordingURL   string    `json:"recordingUrl,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// isRecording сообщает, что это уведомление о готовности записи разговора
func (n Notification) isRecording() bool {
	return n.RecordingURL != "" && n.Status == ""
}

// Entry запись журнала активности для UI.
type Entry struct {
	ExternalCallID string    `json:"externalCallId"`
	Status         string    `json:"status"`
	Number         string    `json:"number,omitempty"`
	RecordingURL   string    `json:"recordingUrl,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Buffer ограниченный журнал последних записей активности, новые первыми.
//
// Точные дубликаты (externalCallId, status) молча отбрасываются. Уведомление
// о готовности записи разговора вливается в существующую запись по
// externalCallId, а не добавляется отдельной строкой.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewBuffer создает буфер; limit <= 0 означает DefaultBufferLimit.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{limit: limit}
}

// Apply применяет уведомление к буферу.
// Возвращает true, если буфер изменился.
func (b *Buffer) Apply(n Notification) bool {
	if n.ExternalCallID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n.isRecording() {
		return b.mergeRecordingLocked(n)
	}

	// Точный дубликат отбрасывается
	for i := range b.entries {
		if b.entries[i].ExternalCallID == n.ExternalCallID && b.entries[i].Status == n.Status {
			return false
		}
	}

	entry := Entry{
		ExternalCallID: n.ExternalCallID,
		Status:         n.Status,
		Number:         n.Number,
		Timestamp:      n.Timestamp,
	}
	b.entries = append([]Entry{entry}, b.entries...)
	if len(b.entries) > b.limit {
		b.entries = b.entries[:b.limit]
	}
	return true
}

// mergeRecordingLocked вливает ссылку на запись в существующую строку.
// Без совпадения по externalCallId уведомление отбрасывается: запись
// разговора без строки активности UI показать не может.
func (b *Buffer) mergeRecordingLocked(n Notification) bool {
	for i := range b.entries {
		if b.entries[i].ExternalCallID == n.ExternalCallID {
			b.entries[i].RecordingURL = n.RecordingURL
			return true
		}
	}
	return false
}

// Entries возвращает копию журнала, новые первыми.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len возвращает количество записей.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Restore загружает записи в буфер (обычно из локального зеркала при старте).
// Существующее содержимое заменяется; хвост сверх лимита отбрасывается.
func (b *Buffer) Restore(entries []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(entries) > b.limit {
		entries = entries[:b.limit]
	}
	b.entries = make([]Entry, len(entries))
	copy(b.entries, entries)
}

package softphone

import (
	"context"
)

// Signaling клиентская сторона сигнального канала.
//
// UserAgent не зависит от конкретного протокольного стека: боевая реализация
// построена на SIP (SignalingTransport), тесты используют фейковую.
type Signaling interface {
	// Open открывает сигнальный сокет
	Open(ctx context.Context) error
	// Close закрывает сокет и освобождает ресурсы
	Close() error

	// Register регистрирует endpoint на сервере
	Register(ctx context.Context, creds Credentials, expires int) error
	// Deregister снимает регистрацию (best-effort)
	Deregister(ctx context.Context) error

	// NewCall инициирует исходящий вызов и возвращает сигнальный handle
	NewCall(ctx context.Context, target string, offer []byte) (SignalingCall, error)

	// SetCallbacks устанавливает обработчики событий транспорта.
	// Должна вызываться до Open.
	SetCallbacks(cb TransportCallbacks)
}

// SignalingCall операции сигнализации в рамках одного вызова.
type SignalingCall interface {
	// ID идентификатор вызова на сигнальном уровне (Call-ID)
	ID() string

	// Answer принимает входящий вызов с SDP answer
	Answer(ctx context.Context, answer []byte) error
	// Reject отклоняет входящий вызов
	Reject(ctx context.Context, code int, reason string) error
	// Cancel отменяет исходящий вызов до ответа
	Cancel(ctx context.Context) error
	// Bye завершает установленный вызов
	Bye(ctx context.Context) error
	// ReInvite отправляет re-INVITE с новым SDP (hold/resume)
	ReInvite(ctx context.Context, offer []byte) error
	// Refer запрашивает перевод вызова; ошибка ErrTransferRefused
	// означает протокольный отказ удаленной стороны
	Refer(ctx context.Context, target string) error
	// Info отправляет DTMF тон внутри вызова
	Info(ctx context.Context, tone string) error
}

// TransportCallbacks обработчики асинхронных событий транспорта.
// Все колбэки вызываются последовательно для одного вызова.
type TransportCallbacks struct {
	// OnIncomingCall - входящий INVITE; from - номер вызывающего
	OnIncomingCall func(call SignalingCall, from string)
	// OnCallProgress - получен provisional ответ (180 Ringing)
	OnCallProgress func(callID string)
	// OnCallAnswered - удаленная сторона приняла вызов
	OnCallAnswered func(callID string, answer []byte)
	// OnCallTerminated - вызов завершен удаленной стороной или протокольной
	// ошибкой; cause == nil для нормального завершения
	OnCallTerminated func(callID string, cause error)
	// OnDisconnect - сигнальный сокет потерян
	OnDisconnect func(err error)
}

package softphone

import (
	"sync"
	"time"
)

// Event закрытое множество событий софтфона.
// Каждое событие - отдельный тип; потребители делают type switch по всем вариантам.
type Event interface {
	isEvent()
}

// IncomingCallEvent - новый входящий вызов ждет ответа оператора.
type IncomingCallEvent struct {
	Call CallInfo
}

// CallStatusChangedEvent - смена состояния вызова.
type CallStatusChangedEvent struct {
	Call     CallInfo
	Previous CallStatus
}

// RegistrationStateChangedEvent - смена состояния регистрации.
type RegistrationStateChangedEvent struct {
	Registered bool
	Status     RegistrationStatus
}

// ConnectionFailedEvent - терминальный отказ: бюджет переподключений исчерпан.
// Автоматических попыток больше не будет до явного Initialize/Register.
type ConnectionFailedEvent struct {
	Attempts int
	LastErr  error
}

// SocketConnectedEvent - сигнальный сокет установлен.
type SocketConnectedEvent struct {
	Timestamp time.Time
}

// SocketDisconnectedEvent - сигнальный сокет потерян, начинается переподключение.
type SocketDisconnectedEvent struct {
	Timestamp time.Time
	Err       error
}

// TransferFailedEvent - удаленная сторона отклонила перевод, вызов остался активным.
type TransferFailedEvent struct {
	Call   CallInfo
	Target string
	Err    error
}

func (IncomingCallEvent) isEvent()             {}
func (CallStatusChangedEvent) isEvent()        {}
func (RegistrationStateChangedEvent) isEvent() {}
func (ConnectionFailedEvent) isEvent()         {}
func (SocketConnectedEvent) isEvent()          {}
func (SocketDisconnectedEvent) isEvent()       {}
func (TransferFailedEvent) isEvent()           {}

// Bus шина событий с явной регистрацией подписчиков.
//
// Доставка синхронная, в порядке публикации: подписчик, изменивший состояние
// и затем опросивший его, никогда не увидит событие раньше записи.
// Обработчики не должны блокироваться надолго.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]func(Event)
	nextID   int
}

// NewBus создает новую шину событий
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(Event))}
}

// Subscribe регистрирует обработчик и возвращает функцию отписки.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish доставляет событие всем подписчикам.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

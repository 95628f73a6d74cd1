package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// InboundGate управление приемом входящих вызовов на уровне устройства.
// Реализуется softphone.UserAgent.
type InboundGate interface {
	SetInboundAvailability(allowed bool)
}

// Heartbeat периодический цикл присутствия оператора.
//
// Работает только для ролей, принимающих входящие вызовы: для остальных
// Start - полный no-op. Каждый тик читает ячейку в момент отправки, поэтому
// смена статуса или начало вызова между тиками попадает в ближайший ping.
type Heartbeat struct {
	cell   *StatusCell
	client *RegistryClient
	gate   InboundGate
	log    zerolog.Logger

	// operator роль принимает входящие вызовы
	operator bool
	interval time.Duration
	// settle пауза между переключением устройства и отправкой статуса
	settle time.Duration

	mu      sync.Mutex
	kick    chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}

	// sleep инжектируется в тестах
	sleep func(d time.Duration)
}

// HeartbeatOptions настройки цикла присутствия.
type HeartbeatOptions struct {
	// Operator роль принимает входящие; false делает heartbeat инертным
	Operator bool
	// Interval период отправки, по умолчанию 60 секунд
	Interval time.Duration
	// SettleDelay пауза после переключения устройства, по умолчанию 150мс
	SettleDelay time.Duration
	// Logger логгер
	Logger zerolog.Logger
}

// NewHeartbeat создает цикл присутствия.
func NewHeartbeat(cell *StatusCell, client *RegistryClient, gate InboundGate, opts HeartbeatOptions) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 150 * time.Millisecond
	}
	return &Heartbeat{
		cell:     cell,
		client:   client,
		gate:     gate,
		log:      opts.Logger.With().Str("component", "heartbeat").Logger(),
		operator: opts.Operator,
		interval: opts.Interval,
		settle:   opts.SettleDelay,
		kick:     make(chan struct{}, 1),
		sleep:    time.Sleep,
	}
}

// Start запускает цикл: немедленный ping и далее каждый интервал.
// Для не-операторских ролей не делает ничего.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.operator {
		h.log.Debug().Msg("роль не принимает входящие, heartbeat не запускается")
		return
	}

	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.stopped = make(chan struct{})
	stopped := h.stopped
	h.mu.Unlock()

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.sendPing(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sendPing(ctx)
			case <-h.kick:
				h.sendPing(ctx)
			}
		}
	}()
}

// Stop останавливает цикл и дожидается завершения горутины.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	stopped := h.stopped
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// SetStatus меняет статус оператора.
//
// Порядок строго фиксирован: сначала переключается прием входящих на
// устройстве (с короткой паузой на применение), и только потом новый статус
// уходит в реестр. Иначе реестр успеет объявить оператора доступным раньше,
// чем устройство начнет принимать вызовы.
func (h *Heartbeat) SetStatus(ctx context.Context, s Status) error {
	if !s.Valid() {
		return &InvalidStatusError{Status: s}
	}

	// 1. Устройство: только Available принимает новые входящие
	if h.gate != nil {
		h.gate.SetInboundAvailability(s == StatusAvailable)
		h.sleep(h.settle)
	}

	// 2. Ячейка: запись ДО пинга, чтобы тик не унес устаревший статус
	h.cell.SetPreferred(s)
	h.log.Info().Str("status", string(s)).Msg("статус оператора изменен")

	// 3. Реестр: немедленный ping с новым статусом
	if h.operator {
		h.pingNow(ctx)
	}
	return nil
}

// pingNow выполняет синхронный ping, если цикл запущен, иначе прямой вызов.
func (h *Heartbeat) pingNow(ctx context.Context) {
	h.mu.Lock()
	running := h.cancel != nil
	h.mu.Unlock()

	if !running {
		h.sendPing(ctx)
		return
	}
	select {
	case h.kick <- struct{}{}:
	default: // ping уже запланирован
	}
}

// sendPing читает ячейку в момент отправки и доставляет heartbeat.
// Ошибка доставки не останавливает цикл: следующий тик попробует снова.
func (h *Heartbeat) sendPing(ctx context.Context) {
	status, activeCalls := h.cell.Effective()

	available, err := h.client.Ping(ctx, status, activeCalls)
	if err != nil {
		h.log.Warn().Err(err).Msg("heartbeat не доставлен")
		h.cell.SetRegistered(false)
		return
	}

	h.cell.SetRegistered(true)
	h.cell.SetAvailableAgents(available)
	h.log.Debug().Str("status", string(status)).Int("active_calls", activeCalls).Int("available", available).Msg("heartbeat доставлен")
}

// InvalidStatusError недопустимый статус присутствия.
type InvalidStatusError struct {
	Status Status
}

func (e *InvalidStatusError) Error() string {
	return "недопустимый статус присутствия: " + string(e.Status)
}

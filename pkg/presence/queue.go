package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// QueueMetricsPoller периодический опрос метрик очереди входящих вызовов.
//
// Чисто наблюдательный: сбой опроса логируется и пропускается, следующий
// тик попробует снова. Сбои никогда не влияют на обработку вызовов и
// heartbeat присутствия.
type QueueMetricsPoller struct {
	client *RegistryClient
	log    zerolog.Logger

	// authorized роль имеет доступ к метрикам очереди
	authorized bool
	interval   time.Duration

	mu       sync.Mutex
	snapshot QueueMetricsSnapshot
	hasData  bool
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// PollerOptions настройки опроса очереди.
type PollerOptions struct {
	// Authorized роль имеет доступ к метрикам; false делает поллер инертным
	Authorized bool
	// Interval период опроса, по умолчанию 30 секунд
	Interval time.Duration
	// Logger логгер
	Logger zerolog.Logger
}

// NewQueueMetricsPoller создает поллер метрик очереди.
func NewQueueMetricsPoller(client *RegistryClient, opts PollerOptions) *QueueMetricsPoller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &QueueMetricsPoller{
		client:     client,
		log:        opts.Logger.With().Str("component", "queue_poller").Logger(),
		authorized: opts.Authorized,
		interval:   opts.Interval,
	}
}

// Start запускает опрос: немедленно и далее каждый интервал.
// Для неавторизованных ролей не делает ничего.
func (p *QueueMetricsPoller) Start(ctx context.Context) {
	if !p.authorized {
		p.log.Debug().Msg("роль без доступа к метрикам очереди, опрос не запускается")
		return
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	stopped := p.stopped
	p.mu.Unlock()

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

// Stop останавливает опрос и дожидается завершения горутины.
func (p *QueueMetricsPoller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	stopped := p.stopped
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// poll выполняет один опрос; снимок заменяется целиком.
func (p *QueueMetricsPoller) poll(ctx context.Context) {
	snap, err := p.client.QueueMetrics(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("опрос очереди не удался, пропускаем тик")
		return
	}

	p.mu.Lock()
	p.snapshot = snap
	p.hasData = true
	p.mu.Unlock()

	p.log.Debug().Int("queue_size", snap.QueueSize).Int("oldest_wait", snap.OldestWaitSeconds).Msg("метрики очереди обновлены")
}

// Snapshot возвращает последний успешный снимок очереди.
// Второе значение false, если успешных опросов еще не было.
func (p *QueueMetricsPoller) Snapshot() (QueueMetricsSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot, p.hasData
}

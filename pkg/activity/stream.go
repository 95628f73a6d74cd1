package activity

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream потребитель push канала активности вызовов.
//
// Держит websocket соединение с платформой, применяет уведомления к буферу
// и зеркалирует его на диск. При разрыве переподключается с фиксированной
// паузой: канал наблюдательный, пропущенные уведомления не критичны.
type Stream struct {
	url   string
	buf   *Buffer
	store *Store
	log   zerolog.Logger

	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// StreamOptions настройки потока активности.
type StreamOptions struct {
	// Store локальное зеркало буфера; nil отключает зеркалирование
	Store *Store
	// ReconnectDelay пауза перед переподключением, по умолчанию 5 секунд
	ReconnectDelay time.Duration
	// Logger логгер
	Logger zerolog.Logger
}

// NewStream создает поток активности, читающий уведомления с url (ws://...).
func NewStream(url string, buf *Buffer, opts StreamOptions) *Stream {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Stream{
		url:            url,
		buf:            buf,
		store:          opts.Store,
		log:            opts.Logger.With().Str("component", "activity_stream").Logger(),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: opts.ReconnectDelay,
	}
}

// Start восстанавливает буфер из зеркала и запускает цикл чтения.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	if s.store != nil {
		if entries, err := s.store.Load(); err != nil {
			s.log.Warn().Err(err).Msg("зеркало активности не прочитано")
		} else if len(entries) > 0 {
			s.buf.Restore(entries)
			s.log.Debug().Int("entries", len(entries)).Msg("буфер активности восстановлен")
		}
	}

	go func() {
		defer close(stopped)
		s.run(ctx)
	}()
}

// Stop останавливает поток и дожидается завершения горутины.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// run подключается и читает уведомления до отмены контекста.
func (s *Stream) run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("url", s.url).Msg("канал активности недоступен")
			if !sleepCtx(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		s.log.Info().Str("url", s.url).Msg("канал активности подключен")
		s.readLoop(ctx, conn)
		conn.Close()

		if !sleepCtx(ctx, s.reconnectDelay) {
			return
		}
	}
}

// readLoop читает уведомления из одного соединения до его разрыва.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Разрыв контекста рвет соединение, снимая блокирующий ReadJSON
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var n Notification
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("канал активности разорван")
			}
			return
		}
		s.handle(n)
	}
}

// handle применяет уведомление и зеркалирует изменившийся буфер.
func (s *Stream) handle(n Notification) {
	if !s.buf.Apply(n) {
		return
	}
	s.log.Debug().Str("call_id", n.ExternalCallID).Str("status", n.Status).Msg("активность вызова")

	if s.store != nil {
		if err := s.store.Save(s.buf.Entries()); err != nil {
			s.log.Warn().Err(err).Msg("зеркало активности не записано")
		}
	}
}

// sleepCtx ждет паузу; false при отмене контекста
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

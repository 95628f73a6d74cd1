// Package session собирает подсистемы рабочего места оператора в один
// объект уровня процесса.
//
// Session живет от логина до логаута и переживает любую навигацию UI:
// размонтирование экрана не трогает регистрацию и живой вызов. Именно
// поэтому владельцем UserAgent является session, а не экран звонилки.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/agent_desk/internal/config"
	"github.com/arzzra/agent_desk/pkg/activity"
	"github.com/arzzra/agent_desk/pkg/presence"
	"github.com/arzzra/agent_desk/pkg/softphone"
)

// Session корень композиции: софтфон, присутствие, очередь, активность.
type Session struct {
	cfg *config.Config
	log zerolog.Logger

	UA        *softphone.UserAgent
	Cell      *presence.StatusCell
	Heartbeat *presence.Heartbeat
	Queue     *presence.QueueMetricsPoller
	Activity  *activity.Buffer

	stream      *activity.Stream
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
}

// New строит сессию из конфигурации, без сетевой активности.
func New(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Session, error) {
	phoneCfg := softphone.DefaultConfig()
	phoneCfg.Transport.ServerAddress = cfg.SIP.ServerAddress
	phoneCfg.Transport.Protocol = softphone.TransportProtocol(cfg.SIP.Protocol)
	phoneCfg.Transport.BindAddress = cfg.SIP.BindAddress
	phoneCfg.Transport.BindPort = cfg.SIP.BindPort
	phoneCfg.Media.RTPPort = cfg.SIP.RTPPort
	phoneCfg.DisplayName = cfg.Agent.DisplayName
	phoneCfg.RegisterExpires = cfg.SIP.Expires
	phoneCfg.Logger = logger
	phoneCfg.MetricsRegisterer = reg

	ua, err := softphone.NewUserAgent(phoneCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("создание user agent: %w", err)
	}

	cell := presence.NewStatusCell()
	registry := presence.NewRegistryClient(cfg.Presence.RegistryURL)

	hb := presence.NewHeartbeat(cell, registry, ua, presence.HeartbeatOptions{
		Operator: cfg.Agent.IsOperator(),
		Interval: time.Duration(cfg.Presence.HeartbeatSeconds) * time.Second,
		Logger:   logger,
	})

	queue := presence.NewQueueMetricsPoller(registry, presence.PollerOptions{
		Authorized: cfg.Agent.SeesQueueMetrics(),
		Interval:   time.Duration(cfg.Presence.QueuePollSeconds) * time.Second,
		Logger:     logger,
	})

	buf := activity.NewBuffer(activity.DefaultBufferLimit)
	var stream *activity.Stream
	if cfg.Activity.WSURL != "" {
		var store *activity.Store
		if cfg.Activity.MirrorPath != "" {
			store = activity.NewStore(cfg.Activity.MirrorPath)
		}
		stream = activity.NewStream(cfg.Activity.WSURL, buf, activity.StreamOptions{
			Store:  store,
			Logger: logger,
		})
	}

	s := &Session{
		cfg:       cfg,
		log:       logger.With().Str("component", "session").Logger(),
		UA:        ua,
		Cell:      cell,
		Heartbeat: hb,
		Queue:     queue,
		Activity:  buf,
		stream:    stream,
	}

	// Ячейка присутствия следит за жизненным циклом вызовов: каждый переход
	// перечитывает актуальный счетчик у софтфона, а не доверяет событию
	s.unsubscribe = ua.Events().Subscribe(func(ev softphone.Event) {
		switch ev.(type) {
		case softphone.CallStatusChangedEvent, softphone.IncomingCallEvent:
			cell.SetActiveCalls(ua.ActiveCallCount())
		}
	})

	return s, nil
}

// Login регистрирует софтфон и запускает фоновые циклы.
func (s *Session) Login(ctx context.Context, creds softphone.Credentials) error {
	if err := s.UA.Initialize(ctx, creds); err != nil {
		return fmt.Errorf("инициализация софтфона: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.Heartbeat.Start(s.ctx)
	s.Queue.Start(s.ctx)
	if s.stream != nil {
		s.stream.Start(s.ctx)
	}

	s.log.Info().Str("endpoint", s.UA.EndpointAddress()).Msg("сеанс оператора открыт")
	return nil
}

// Logout останавливает фоновые циклы и разбирает софтфон.
func (s *Session) Logout(ctx context.Context) error {
	s.Heartbeat.Stop()
	s.Queue.Stop()
	if s.stream != nil {
		s.stream.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	err := s.UA.Shutdown(ctx)
	s.log.Info().Msg("сеанс оператора закрыт")
	return err
}

// SetStatus меняет статус присутствия оператора.
func (s *Session) SetStatus(ctx context.Context, status presence.Status) error {
	return s.Heartbeat.SetStatus(ctx, status)
}

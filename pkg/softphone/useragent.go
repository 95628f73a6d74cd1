package softphone

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Состояния FSM регистрации
const (
	regStateUnregistered = "unregistered"
	regStateRegistering  = "registering"
	regStateRegistered   = "registered"
	regStateFailed       = "failed"
)

// События FSM регистрации
const (
	regEventStart  = "start"
	regEventOK     = "ok"
	regEventFail   = "fail"
	regEventDrop   = "drop"
	regEventLogout = "logout"
)

// UserAgent владеет сигнальным транспортом, состоянием регистрации и
// единственным слотом активного вызова.
//
// Объект живет весь сеанс приложения: создается композиционным корнем при
// логине, уничтожается через Shutdown при логауте. UI получает его по ссылке
// и НЕ пересоздает при навигации - живой вызов переживает смену экранов.
//
// Инвариант: в любой момент существует не более одной не-терминальной
// CallSession; входящий вызов при занятом слоте автоматически отклоняется.
type UserAgent struct {
	config    *Config
	transport Signaling
	bus       *Bus
	history   *CallHistoryLedger
	metrics   *Metrics
	log       zerolog.Logger

	machine *fsm.FSM

	mu                 sync.Mutex
	creds              Credentials
	initInFlight       chan struct{}
	initErr            error
	session            *CallSession
	inboundAllowed     bool
	transportOpen      bool
	reconnecting       bool
	reconnectExhausted bool
	reconnectAttempt   int
	registeredCh       chan struct{}
	audioUnlocked      bool
	audioSink          io.Writer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewUserAgent создает UserAgent поверх переданного транспорта.
// transport == nil означает боевой SIP транспорт из конфигурации.
func NewUserAgent(config *Config, transport Signaling) (*UserAgent, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if transport == nil {
		t, err := NewSignalingTransport(config)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	ctx, cancel := context.WithCancel(context.Background())

	ua := &UserAgent{
		config:         config,
		transport:      transport,
		bus:            NewBus(),
		history:        NewCallHistoryLedger(config.HistoryLimit),
		metrics:        NewMetrics(config.MetricsRegisterer),
		log:            config.Logger.With().Str("component", "useragent").Logger(),
		inboundAllowed: true,
		registeredCh:   make(chan struct{}),
		now:            time.Now,
		sleep:          sleepCtx,
		ctx:            ctx,
		cancel:         cancel,
	}

	ua.machine = fsm.NewFSM(
		regStateUnregistered,
		fsm.Events{
			{Name: regEventStart, Src: []string{regStateUnregistered, regStateFailed, regStateRegistered}, Dst: regStateRegistering},
			{Name: regEventOK, Src: []string{regStateRegistering}, Dst: regStateRegistered},
			{Name: regEventFail, Src: []string{regStateRegistering}, Dst: regStateFailed},
			{Name: regEventDrop, Src: []string{regStateRegistering, regStateRegistered, regStateFailed}, Dst: regStateUnregistered},
			{Name: regEventLogout, Src: []string{regStateRegistering, regStateRegistered, regStateFailed}, Dst: regStateUnregistered},
		},
		fsm.Callbacks{},
	)

	transport.SetCallbacks(TransportCallbacks{
		OnIncomingCall:   ua.handleIncomingCall,
		OnCallProgress:   ua.handleCallProgress,
		OnCallAnswered:   ua.handleCallAnswered,
		OnCallTerminated: ua.handleCallTerminated,
		OnDisconnect:     ua.handleDisconnect,
	})

	return ua, nil
}

// Events возвращает шину событий для подписки UI.
func (ua *UserAgent) Events() *Bus {
	return ua.bus
}

// History возвращает журнал вызовов.
func (ua *UserAgent) History() *CallHistoryLedger {
	return ua.history
}

// RegistrationStatus возвращает текущее состояние регистрации.
func (ua *UserAgent) RegistrationStatus() RegistrationStatus {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.regStatusLocked()
}

func (ua *UserAgent) regStatusLocked() RegistrationStatus {
	switch ua.machine.Current() {
	case regStateRegistering:
		return RegistrationRegistering
	case regStateRegistered:
		return RegistrationRegistered
	case regStateFailed:
		return RegistrationFailed
	default:
		return RegistrationUnregistered
	}
}

// ReconnectAttempt возвращает номер текущей попытки переподключения.
// Сбрасывается в 0 при успешной регистрации.
func (ua *UserAgent) ReconnectAttempt() int {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.reconnectAttempt
}

// EndpointAddress возвращает адрес сигнального сервера.
func (ua *UserAgent) EndpointAddress() string {
	return ua.config.Transport.ServerAddress
}

// ActiveCall возвращает снимок активного вызова, если он есть.
func (ua *UserAgent) ActiveCall() (CallInfo, bool) {
	ua.mu.Lock()
	s := ua.session
	ua.mu.Unlock()

	if s == nil {
		return CallInfo{}, false
	}
	return s.Info(), true
}

// ActiveCallCount возвращает число не-терминальных сессий (0 или 1).
func (ua *UserAgent) ActiveCallCount() int {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if ua.session != nil {
		return 1
	}
	return 0
}

// Initialize открывает транспорт и регистрирует endpoint. Идемпотентна:
// повторный вызов при живой регистрации ничего не делает, а конкурентный
// вызов во время инициализации дожидается уже идущей, не запуская вторую.
func (ua *UserAgent) Initialize(ctx context.Context, creds Credentials) error {
	ua.mu.Lock()
	if ua.regStatusLocked() == RegistrationRegistered {
		ua.mu.Unlock()
		return nil
	}
	if ch := ua.initInFlight; ch != nil {
		ua.mu.Unlock()
		select {
		case <-ch:
			ua.mu.Lock()
			err := ua.initErr
			ua.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	ua.initInFlight = ch
	ua.creds = creds
	ua.reconnectExhausted = false
	ua.mu.Unlock()

	err := ua.Register(ctx)

	ua.mu.Lock()
	ua.initErr = err
	ua.initInFlight = nil
	ua.mu.Unlock()
	close(ch)

	return err
}

// Register явно запускает регистрацию, при необходимости заново открывая
// сигнальный транспорт (после исчерпания бюджета переподключений сокет
// закрыт). Если регистрация уже идет, вызов дожидается ее результата
// вместо запуска второй.
func (ua *UserAgent) Register(ctx context.Context) error {
	ua.mu.Lock()
	creds := ua.creds
	switch ua.machine.Current() {
	case regStateRegistered:
		ua.mu.Unlock()
		return nil
	case regStateRegistering:
		ch := ua.registeredCh
		ua.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ua.machine.Event(ctx, regEventStart); err != nil {
		ua.mu.Unlock()
		return fmt.Errorf("недопустимый переход регистрации: %w", err)
	}
	ua.reconnectExhausted = false
	ua.mu.Unlock()

	if err := ua.openTransport(ctx); err != nil {
		ua.mu.Lock()
		_ = ua.machine.Event(ctx, regEventFail)
		ua.mu.Unlock()
		return err
	}

	return ua.doRegister(ctx, creds)
}

// openTransport открывает сигнальный сокет; на уже открытом транспорте
// Open является no-op. SocketConnectedEvent публикуется только на
// переходе из закрытого состояния.
func (ua *UserAgent) openTransport(ctx context.Context) error {
	if err := ua.transport.Open(ctx); err != nil {
		ua.log.Error().Err(err).Msg("не удалось открыть сигнальный транспорт")
		if _, ok := err.(*PhoneError); ok {
			return err
		}
		return ErrTransportUnavailable(ua.config.Transport.ServerAddress, err)
	}

	ua.mu.Lock()
	wasOpen := ua.transportOpen
	ua.transportOpen = true
	ua.mu.Unlock()

	if !wasOpen {
		ua.bus.Publish(SocketConnectedEvent{Timestamp: ua.now()})
	}
	return nil
}

// doRegister выполняет сетевую часть регистрации; FSM уже в registering.
func (ua *UserAgent) doRegister(ctx context.Context, creds Credentials) error {
	err := ua.transport.Register(ctx, creds, ua.config.RegisterExpires)

	ua.mu.Lock()
	if err != nil {
		_ = ua.machine.Event(ctx, regEventFail)
		ua.mu.Unlock()
		ua.log.Error().Err(err).Msg("регистрация отклонена")
		ua.metrics.RegistrationState(false)
		return err
	}

	_ = ua.machine.Event(ctx, regEventOK)
	// Инвариант: успешная регистрация обнуляет счетчик переподключений
	ua.reconnectAttempt = 0
	close(ua.registeredCh)
	ua.mu.Unlock()

	ua.log.Info().Msg("регистрация подтверждена")
	ua.metrics.RegistrationState(true)
	ua.bus.Publish(RegistrationStateChangedEvent{Registered: true, Status: RegistrationRegistered})
	return nil
}

// Unregister снимает регистрацию. Повторный вызов при снятой регистрации -
// no-op без повторного события registrationStateChanged(false).
func (ua *UserAgent) Unregister(ctx context.Context) error {
	ua.mu.Lock()
	if ua.machine.Current() == regStateUnregistered {
		ua.mu.Unlock()
		ua.log.Debug().Msg("unregister: уже снят, пропускаем")
		return nil
	}
	ua.mu.Unlock()

	// Best-effort: сервер может быть недоступен, локальное состояние
	// снимается в любом случае
	deregCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := ua.transport.Deregister(deregCtx); err != nil {
		ua.log.Warn().Err(err).Msg("deregister не доставлен")
	}
	cancel()

	ua.mu.Lock()
	if ua.machine.Current() == regStateUnregistered {
		// Конкурентный Unregister успел раньше
		ua.mu.Unlock()
		return nil
	}
	_ = ua.machine.Event(ctx, regEventLogout)
	ua.registeredCh = make(chan struct{})
	ua.mu.Unlock()

	ua.metrics.RegistrationState(false)
	ua.bus.Publish(RegistrationStateChangedEvent{Registered: false, Status: RegistrationUnregistered})
	return nil
}

// Shutdown завершает сеанс: снимает регистрацию и закрывает транспорт.
// Вызывается только при логауте, не при размонтировании UI.
func (ua *UserAgent) Shutdown(ctx context.Context) error {
	_ = ua.Unregister(ctx)
	ua.cancel()
	ua.mu.Lock()
	ua.transportOpen = false
	ua.mu.Unlock()
	return ua.transport.Close()
}

// SetInboundAvailability управляет приемом новых входящих вызовов.
// Оператор в статусе "Away" перестает получать входящие (auto-486),
// текущий вызов при этом не затрагивается.
func (ua *UserAgent) SetInboundAvailability(allowed bool) {
	ua.mu.Lock()
	ua.inboundAllowed = allowed
	ua.mu.Unlock()
	ua.log.Debug().Bool("allowed", allowed).Msg("доступность для входящих изменена")
}

// UnlockAudio разрешает воспроизведение звука; идемпотентна.
// Вызывается по первому жесту пользователя.
func (ua *UserAgent) UnlockAudio() {
	ua.mu.Lock()
	ua.audioUnlocked = true
	s := ua.session
	ua.mu.Unlock()

	if s != nil && s.Media() != nil {
		s.Media().Unlock()
	}
}

// BindAudioSink назначает выходное аудио устройство для текущего и
// будущих вызовов. Поздняя привязка (после прихода потока) допустима.
func (ua *UserAgent) BindAudioSink(w io.Writer) {
	ua.mu.Lock()
	ua.audioSink = w
	s := ua.session
	ua.mu.Unlock()

	if s != nil && s.Media() != nil {
		s.Media().BindSink(w)
	}
}

// waitRegistered ждет подтверждения регистрации не дольше timeout.
func (ua *UserAgent) waitRegistered(ctx context.Context, timeout time.Duration) error {
	ua.mu.Lock()
	if ua.machine.Current() == regStateRegistered {
		ua.mu.Unlock()
		return nil
	}
	ch := ua.registeredCh
	ua.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrNotRegistered("makeCall")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MakeCall инициирует исходящий вызов.
//
// Если UA не зарегистрирован, запускается регистрация и ожидается ее
// подтверждение (потолок RegistrationWait, по умолчанию 5 секунд), иначе
// вызов отклоняется с NotRegisteredError. Требуется разрешение на микрофон.
// Сессия появляется в журнале сразу в состоянии Connecting, до ответа сервера.
func (ua *UserAgent) MakeCall(ctx context.Context, number string) error {
	ua.mu.Lock()
	existing := ua.session
	ua.mu.Unlock()
	if existing != nil {
		return ErrInvalidCallState(existing.Status(), "makeCall")
	}

	if ua.RegistrationStatus() != RegistrationRegistered {
		// Пытаемся зарегистрироваться; сама регистрация продолжается
		// независимо, даже если мы не дождемся ее за отведенное время
		go func() {
			regCtx, cancel := context.WithTimeout(ua.ctx, 30*time.Second)
			defer cancel()
			if err := ua.Register(regCtx); err != nil {
				ua.log.Warn().Err(err).Msg("фоновая регистрация перед вызовом не удалась")
			}
		}()
		if err := ua.waitRegistered(ctx, ua.config.RegistrationWait); err != nil {
			return err
		}
	}

	if fn := ua.config.Media.PermissionFunc; fn != nil {
		if err := fn(ctx); err != nil {
			return ErrMediaPermissionDenied(err)
		}
	}

	media := NewMediaBinding()
	ua.mu.Lock()
	if ua.audioUnlocked {
		media.Unlock()
	}
	if ua.audioSink != nil {
		media.BindSink(ua.audioSink)
	}
	s := newCallSession(DirectionOutgoing, number, nil, media, ua.now, ua.handleSessionTransition)
	if existing := ua.session; existing != nil {
		// Входящий вызов успел занять слот, пока шла проверка разрешения
		ua.mu.Unlock()
		media.Release()
		return ErrInvalidCallState(existing.Status(), "makeCall")
	}
	ua.session = s
	ua.mu.Unlock()

	ua.metrics.CallStarted()
	info := s.Info()
	ua.history.Upsert(info)
	ua.bus.Publish(CallStatusChangedEvent{Call: info})

	offer, err := buildAudioOffer(s.ID(), ua.config.Transport.BindAddress, ua.config.Media.RTPPort, "sendrecv")
	if err != nil {
		_ = s.applyFailure(err.Error())
		return err
	}

	call, err := ua.transport.NewCall(ctx, number, offer)
	if err != nil {
		ua.log.Error().Err(err).Str("number", number).Msg("INVITE не отправлен")
		_ = s.applyFailure(err.Error())
		return err
	}
	s.bindSignaling(call)

	ua.log.Info().Str("number", number).Str("session", s.ID()).Msg("исходящий вызов создан")
	return nil
}

// HangupCall завершает текущий вызов: ожидающий входящий отклоняется,
// неотвеченный исходящий отменяется, установленный завершается BYE.
// Без активного вызова - no-op с предупреждением в логе.
//
// Локальное состояние очищается оптимистично сразу после отправки команды,
// не дожидаясь подтверждающего события от сервера.
func (ua *UserAgent) HangupCall(ctx context.Context) error {
	ua.mu.Lock()
	s := ua.session
	ua.mu.Unlock()
	if s == nil {
		ua.log.Warn().Msg("hangupCall: нет активного вызова")
		return nil
	}

	status := s.Status()
	sig := s.signaling()

	switch {
	case status == CallRinging && s.Direction() == DirectionIncoming:
		if sig != nil {
			if err := sig.Reject(ctx, 486, "Busy Here"); err != nil {
				ua.log.Warn().Err(err).Msg("reject не доставлен")
			}
		}
		return ua.applyHangup(s, eventReject)

	case status == CallConnecting || status == CallRinging:
		if sig != nil {
			if err := sig.Cancel(ctx); err != nil {
				ua.log.Warn().Err(err).Msg("cancel не доставлен")
			}
		}
		return ua.applyHangup(s, eventCancel)

	case status == CallActive || status == CallOnHold || status == CallTransferring:
		if sig != nil {
			if err := sig.Bye(ctx); err != nil {
				ua.log.Warn().Err(err).Msg("bye не доставлен")
			}
		}
		return ua.applyHangup(s, eventEnd)

	default:
		ua.log.Warn().Str("status", status.String()).Msg("hangupCall: вызов уже завершен")
		return nil
	}
}

// applyHangup переводит сессию в терминальное состояние. Гонка с удаленным
// завершением (BYE/CANCEL пришел между проверкой статуса и переходом) -
// не ошибка: вызов все равно завершен, возвращаем no-op.
func (ua *UserAgent) applyHangup(s *CallSession, event string) error {
	if err := s.apply(event); err != nil {
		if s.IsTerminal() {
			ua.log.Warn().Str("session", s.ID()).Msg("hangupCall: вызов уже завершен удаленной стороной")
			return nil
		}
		return err
	}
	return nil
}

// HoldCall ставит активный вызов на удержание (re-INVITE sendonly).
func (ua *UserAgent) HoldCall(ctx context.Context) error {
	s, err := ua.currentSession("holdCall")
	if err != nil {
		return err
	}
	if st := s.Status(); st != CallActive {
		return ErrInvalidCallState(st, "holdCall")
	}

	offer, err := buildAudioOffer(s.ID(), ua.config.Transport.BindAddress, ua.config.Media.RTPPort, "sendonly")
	if err != nil {
		return err
	}
	if sig := s.signaling(); sig != nil {
		if err := sig.ReInvite(ctx, offer); err != nil {
			return err
		}
	}
	return s.apply(eventHold)
}

// ResumeCall снимает вызов с удержания (re-INVITE sendrecv).
func (ua *UserAgent) ResumeCall(ctx context.Context) error {
	s, err := ua.currentSession("resumeCall")
	if err != nil {
		return err
	}
	if st := s.Status(); st != CallOnHold {
		return ErrInvalidCallState(st, "resumeCall")
	}

	offer, err := buildAudioOffer(s.ID(), ua.config.Transport.BindAddress, ua.config.Media.RTPPort, "sendrecv")
	if err != nil {
		return err
	}
	if sig := s.signaling(); sig != nil {
		if err := sig.ReInvite(ctx, offer); err != nil {
			return err
		}
	}
	return s.apply(eventResume)
}

// TransferCall переводит активный вызов на другой номер.
//
// Протокольный отказ удаленной стороны - мягкая ошибка: вызов остается
// активным, публикуется TransferFailedEvent, метод возвращает nil.
// Если перевод принят, но целевой абонент так и не ответит, исходный вызов
// считается оставленным и завершится, когда удаленная сторона его сбросит.
func (ua *UserAgent) TransferCall(ctx context.Context, target string) error {
	s, err := ua.currentSession("transferCall")
	if err != nil {
		return err
	}
	if st := s.Status(); st != CallActive {
		return ErrInvalidCallState(st, "transferCall")
	}

	sig := s.signaling()
	if sig == nil {
		return ErrInvalidCallState(CallActive, "transferCall")
	}

	if err := sig.Refer(ctx, target); err != nil {
		if GetErrorCode(err) == "TRANSFER_REFUSED" {
			ua.log.Warn().Err(err).Str("target", target).Msg("перевод отклонен, вызов остается активным")
			ua.bus.Publish(TransferFailedEvent{Call: s.Info(), Target: target, Err: err})
			return nil
		}
		return err
	}

	return s.apply(eventTransfer)
}

// SendDTMF отправляет тон внутри вызова. Вне окна Active/OnHold тон
// молча игнорируется с предупреждением, чтобы не ронять вызывающего.
func (ua *UserAgent) SendDTMF(ctx context.Context, tone string) error {
	if !isValidDTMF(tone) {
		ua.log.Warn().Str("tone", tone).Msg("sendDTMF: недопустимый тон, игнорируем")
		return nil
	}

	ua.mu.Lock()
	s := ua.session
	ua.mu.Unlock()
	if s == nil {
		ua.log.Warn().Str("tone", tone).Msg("sendDTMF: нет активного вызова, игнорируем")
		return nil
	}

	if st := s.Status(); st != CallActive && st != CallOnHold {
		ua.log.Warn().Str("tone", tone).Str("status", st.String()).Msg("sendDTMF: вызов не в активном окне, игнорируем")
		return nil
	}

	if sig := s.signaling(); sig != nil {
		if err := sig.Info(ctx, tone); err != nil {
			ua.log.Warn().Err(err).Str("tone", tone).Msg("DTMF не доставлен")
			return err
		}
	}
	return nil
}

// currentSession возвращает сессию или ошибку отсутствия активного вызова.
func (ua *UserAgent) currentSession(operation string) (*CallSession, error) {
	ua.mu.Lock()
	s := ua.session
	ua.mu.Unlock()
	if s == nil {
		return nil, NewPhoneError(
			"NO_ACTIVE_CALL",
			fmt.Sprintf("Операция '%s' требует активного вызова", operation),
			ErrorCategoryState,
			ErrorSeverityError,
		)
	}
	return s, nil
}

// handleSessionTransition вызывается из обработчиков переходов сессии.
// Единственное место, обновляющее журнал и освобождающее слот вызова.
func (ua *UserAgent) handleSessionTransition(info CallInfo, prev CallStatus) {
	ua.history.Upsert(info)

	if info.Status == CallActive && (prev == CallConnecting || prev == CallRinging) {
		ua.startMediaReceiver(info.ID)
	}

	if info.Status.IsTerminal() {
		ua.mu.Lock()
		if ua.session != nil && ua.session.ID() == info.ID {
			ua.session = nil
		}
		ua.mu.Unlock()
		ua.metrics.CallEnded(info.Direction, info.Status, time.Duration(info.DurationSeconds)*time.Second)
	}

	ua.bus.Publish(CallStatusChangedEvent{Call: info, Previous: prev})
}

// startMediaReceiver открывает голосовой сокет установленного вызова.
// Отказ сокета не роняет вызов: сигнализация живет, оператор видит
// проблему по отсутствию звука и логу.
func (ua *UserAgent) startMediaReceiver(sessionID string) {
	ua.mu.Lock()
	s := ua.session
	ua.mu.Unlock()
	if s == nil || s.ID() != sessionID || s.Media() == nil {
		return
	}

	err := s.Media().StartReceiver(ua.ctx, ua.config.Media, ua.config.Transport.BindAddress)
	if err != nil {
		ua.log.Warn().Err(err).Str("session", sessionID).Msg("голосовой сокет не открыт, вызов продолжается без приема медиа")
		return
	}
	if addr := s.Media().ReceiverAddr(); addr != nil {
		ua.log.Debug().Str("session", sessionID).Str("rtp_addr", addr.String()).Msg("прием медиа запущен")
	}
}

// handleIncomingCall обрабатывает входящий вызов от транспорта.
// При занятом слоте или закрытом приеме новая сессия не создается вовсе.
func (ua *UserAgent) handleIncomingCall(call SignalingCall, from string) {
	ua.mu.Lock()
	busy := ua.session != nil
	allowed := ua.inboundAllowed
	if busy || !allowed {
		ua.mu.Unlock()
		ua.log.Info().Str("from", from).Bool("busy", busy).Msg("входящий вызов автоматически отклонен")
		rejectCtx, cancel := context.WithTimeout(ua.ctx, 3*time.Second)
		defer cancel()
		if err := call.Reject(rejectCtx, 486, "Busy Here"); err != nil {
			ua.log.Warn().Err(err).Msg("auto-reject не доставлен")
		}
		return
	}

	media := NewMediaBinding()
	if ua.audioUnlocked {
		media.Unlock()
	}
	if ua.audioSink != nil {
		media.BindSink(ua.audioSink)
	}
	s := newCallSession(DirectionIncoming, from, call, media, ua.now, ua.handleSessionTransition)
	ua.session = s
	ua.mu.Unlock()

	ua.metrics.CallStarted()
	info := s.Info()
	ua.history.Upsert(info)
	ua.log.Info().Str("from", from).Str("session", s.ID()).Msg("входящий вызов")
	ua.bus.Publish(IncomingCallEvent{Call: info})
}

// AnswerCall принимает ожидающий входящий вызов.
func (ua *UserAgent) AnswerCall(ctx context.Context) error {
	s, err := ua.currentSession("answerCall")
	if err != nil {
		return err
	}
	if s.Direction() != DirectionIncoming || s.Status() != CallRinging {
		return ErrInvalidCallState(s.Status(), "answerCall")
	}

	if fn := ua.config.Media.PermissionFunc; fn != nil {
		if err := fn(ctx); err != nil {
			return ErrMediaPermissionDenied(err)
		}
	}

	answer, err := buildAudioOffer(s.ID(), ua.config.Transport.BindAddress, ua.config.Media.RTPPort, "sendrecv")
	if err != nil {
		return err
	}
	if sig := s.signaling(); sig != nil {
		if err := sig.Answer(ctx, answer); err != nil {
			return err
		}
	}
	return s.apply(eventAnswer)
}

// handleCallProgress обрабатывает 180 Ringing для исходящего вызова.
func (ua *UserAgent) handleCallProgress(callID string) {
	s := ua.sessionForSignalingID(callID)
	if s == nil {
		return
	}
	if err := s.apply(eventProgress); err != nil {
		ua.log.Debug().Err(err).Msg("progress вне состояния connecting, игнорируем")
	}
}

// handleCallAnswered обрабатывает принятие вызова удаленной стороной.
func (ua *UserAgent) handleCallAnswered(callID string, answer []byte) {
	s := ua.sessionForSignalingID(callID)
	if s == nil {
		return
	}
	if err := s.apply(eventAnswer); err != nil {
		ua.log.Debug().Err(err).Msg("answer вне допустимого состояния, игнорируем")
	}
}

// handleCallTerminated обрабатывает завершение вызова со стороны сервера.
func (ua *UserAgent) handleCallTerminated(callID string, cause error) {
	s := ua.sessionForSignalingID(callID)
	if s == nil {
		return
	}

	if cause != nil {
		if err := s.applyFailure(cause.Error()); err != nil {
			ua.log.Debug().Err(err).Msg("fail для завершенной сессии, игнорируем")
		}
		return
	}

	// Нормальное завершение: неотвеченный входящий, отмененный удаленной
	// стороной, переходит в Canceled, остальное - в Ended
	if s.Status() == CallRinging && s.Direction() == DirectionIncoming {
		if err := s.apply(eventCancel); err != nil {
			ua.log.Debug().Err(err).Msg("cancel для завершенной сессии, игнорируем")
		}
		return
	}
	if err := s.apply(eventEnd); err != nil {
		ua.log.Debug().Err(err).Msg("end для завершенной сессии, игнорируем")
	}
}

// sessionForSignalingID находит текущую сессию по сигнальному ID вызова.
func (ua *UserAgent) sessionForSignalingID(callID string) *CallSession {
	ua.mu.Lock()
	s := ua.session
	ua.mu.Unlock()
	if s == nil {
		return nil
	}
	if sig := s.signaling(); sig != nil && sig.ID() != callID {
		return nil
	}
	return s
}

// handleDisconnect обрабатывает потерю сигнального сокета и запускает
// цикл переподключения: backoff 2s с удвоением, потолок 30s, максимум
// ReconnectMaxAttempts попыток, затем ровно одно ConnectionFailedEvent.
func (ua *UserAgent) handleDisconnect(err error) {
	ua.bus.Publish(SocketDisconnectedEvent{Timestamp: ua.now(), Err: err})

	ua.mu.Lock()
	ua.transportOpen = false
	wasRegistered := ua.machine.Current() == regStateRegistered
	if ua.machine.Current() != regStateUnregistered {
		_ = ua.machine.Event(context.Background(), regEventDrop)
		ua.registeredCh = make(chan struct{})
	}
	startLoop := !ua.reconnecting && !ua.reconnectExhausted
	if startLoop {
		ua.reconnecting = true
	}
	ua.mu.Unlock()

	ua.log.Warn().Err(err).Bool("reconnecting", startLoop).Msg("сигнальный сокет потерян")

	if wasRegistered {
		ua.metrics.RegistrationState(false)
		ua.bus.Publish(RegistrationStateChangedEvent{Registered: false, Status: RegistrationUnregistered})
	}

	if startLoop {
		go ua.reconnectLoop()
	}
}

// reconnectLoop выполняет ограниченную серию попыток переподключения.
// После исчерпания бюджета автоматических попыток больше не будет до
// явного Initialize или Register.
func (ua *UserAgent) reconnectLoop() {
	defer func() {
		ua.mu.Lock()
		ua.reconnecting = false
		ua.mu.Unlock()
	}()

	max := ua.config.ReconnectMaxAttempts
	var lastErr error

	for attempt := 1; attempt <= max; attempt++ {
		delay := ua.config.ReconnectBackoff(attempt)
		if err := ua.sleep(ua.ctx, delay); err != nil {
			return // UA остановлен
		}

		ua.mu.Lock()
		ua.reconnectAttempt = attempt
		ua.mu.Unlock()
		ua.metrics.ReconnectAttempt()
		ua.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("попытка переподключения")

		// Register сам заново открывает транспорт
		if err := ua.Register(ua.ctx); err != nil {
			lastErr = err
			continue
		}
		return // успех: счетчик уже сброшен в doRegister
	}

	ua.mu.Lock()
	ua.reconnectExhausted = true
	ua.mu.Unlock()
	ua.metrics.ReconnectExhausted()
	ua.log.Error().Err(lastErr).Int("attempts", max).Msg("бюджет переподключений исчерпан")
	ua.bus.Publish(ConnectionFailedEvent{Attempts: max, LastErr: lastErr})
}

// isValidDTMF проверяет допустимость тона
func isValidDTMF(tone string) bool {
	if len(tone) != 1 {
		return false
	}
	return strings.ContainsAny(tone, "0123456789ABCD*#")
}

// sleepCtx ожидает заданное время с учетом отмены контекста
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

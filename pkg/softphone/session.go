package softphone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Внутренние имена состояний FSM
const (
	stateConnecting   = "connecting"
	stateRinging      = "ringing"
	stateActive       = "active"
	stateOnHold       = "on_hold"
	stateTransferring = "transferring"
	stateEnded        = "ended"
	stateFailed       = "failed"
	stateRejected     = "rejected"
	stateCanceled     = "canceled"
)

// Имена событий FSM
const (
	eventProgress = "progress"
	eventAnswer   = "answer"
	eventHold     = "hold"
	eventResume   = "resume"
	eventTransfer = "transfer"
	eventEnd      = "end"
	eventFail     = "fail"
	eventReject   = "reject"
	eventCancel   = "cancel"
)

// CallSession представляет один вызов с машиной состояний.
//
// Все переходы идут через FSM: невалидный переход отклоняется централизованно,
// без разбросанных проверок по коду. Единственные писатели состояния -
// методы apply* самой сессии. После терминального состояния сессия неизменяема.
//
// onTransition вызывается после освобождения мьютекса сессии: подписчик
// вправе перечитать состояние через Info/Status, не рискуя взаимоблокировкой.
type CallSession struct {
	id           string
	direction    CallDirection
	remoteNumber string
	startedAt    time.Time

	machine *fsm.FSM

	mu         sync.RWMutex
	answeredAt time.Time
	duration   int
	failReason string
	notify     *pendingTransition

	sig   SignalingCall
	media *MediaBinding

	now          func() time.Time
	onTransition func(info CallInfo, prev CallStatus)
}

// newCallSession создает сессию в начальном состоянии по направлению:
// исходящие начинают в Connecting, входящие в Ringing.
func newCallSession(direction CallDirection, remoteNumber string, sig SignalingCall, media *MediaBinding, now func() time.Time, onTransition func(CallInfo, CallStatus)) *CallSession {
	if now == nil {
		now = time.Now
	}

	initial := stateConnecting
	if direction == DirectionIncoming {
		initial = stateRinging
	}

	s := &CallSession{
		id:           fmt.Sprintf("%d-%s", now().UnixNano(), uuid.New().String()[:8]),
		direction:    direction,
		remoteNumber: remoteNumber,
		startedAt:    now(),
		sig:          sig,
		media:        media,
		now:          now,
		onTransition: onTransition,
	}

	s.machine = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventProgress, Src: []string{stateConnecting}, Dst: stateRinging},
			{Name: eventAnswer, Src: []string{stateConnecting, stateRinging}, Dst: stateActive},
			{Name: eventHold, Src: []string{stateActive}, Dst: stateOnHold},
			{Name: eventResume, Src: []string{stateOnHold}, Dst: stateActive},
			{Name: eventTransfer, Src: []string{stateActive}, Dst: stateTransferring},
			{Name: eventEnd, Src: []string{stateConnecting, stateRinging, stateActive, stateOnHold, stateTransferring}, Dst: stateEnded},
			{Name: eventFail, Src: []string{stateConnecting, stateRinging, stateActive, stateOnHold, stateTransferring}, Dst: stateFailed},
			{Name: eventReject, Src: []string{stateRinging}, Dst: stateRejected},
			{Name: eventCancel, Src: []string{stateConnecting, stateRinging}, Dst: stateCanceled},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.noteTransition(e)
			},
		},
	)

	return s
}

// pendingTransition снимок успешного перехода для доставки после
// освобождения мьютекса сессии.
type pendingTransition struct {
	info CallInfo
	prev CallStatus
}

// noteTransition выполняется после каждого успешного перехода FSM под
// мьютексом сессии. Фиксирует момент ответа и, на терминальном состоянии,
// длительность разговора; само уведомление откладывается до разблокировки.
func (s *CallSession) noteTransition(e *fsm.Event) {
	prev := stringToCallStatus(e.Src)
	current := stringToCallStatus(e.Dst)

	if current == CallActive && s.answeredAt.IsZero() {
		s.answeredAt = s.now()
	}

	if current.IsTerminal() {
		// Длительность считается от ответа: время дозвона не входит,
		// неотвеченный вызов имеет нулевую длительность
		if !s.answeredAt.IsZero() {
			s.duration = int(s.now().Sub(s.answeredAt).Seconds())
		}
		if s.media != nil {
			s.media.Release()
		}
	}

	s.notify = &pendingTransition{info: s.snapshotLocked(), prev: prev}
}

// apply выполняет переход FSM; уведомление уходит после снятия мьютекса.
func (s *CallSession) apply(event string) error {
	s.mu.Lock()
	if err := s.machine.Event(context.Background(), event); err != nil {
		current := stringToCallStatus(s.machine.Current())
		s.mu.Unlock()
		return ErrInvalidCallState(current, event).WithCause(err)
	}
	pending := s.notify
	s.notify = nil
	s.mu.Unlock()

	s.deliver(pending)
	return nil
}

// applyFailure переводит сессию в Failed с сохранением причины.
func (s *CallSession) applyFailure(reason string) error {
	s.mu.Lock()
	s.failReason = reason
	if err := s.machine.Event(context.Background(), eventFail); err != nil {
		current := stringToCallStatus(s.machine.Current())
		s.mu.Unlock()
		return ErrInvalidCallState(current, eventFail).WithCause(err)
	}
	pending := s.notify
	s.notify = nil
	s.mu.Unlock()

	s.deliver(pending)
	return nil
}

// deliver доставляет отложенное уведомление о переходе вне мьютекса.
func (s *CallSession) deliver(pending *pendingTransition) {
	if pending == nil || s.onTransition == nil {
		return
	}
	s.onTransition(pending.info, pending.prev)
}

// ID возвращает идентификатор сессии
func (s *CallSession) ID() string {
	return s.id
}

// Direction возвращает направление вызова
func (s *CallSession) Direction() CallDirection {
	return s.direction
}

// RemoteNumber возвращает номер удаленной стороны
func (s *CallSession) RemoteNumber() string {
	return s.remoteNumber
}

// Status возвращает текущее состояние вызова
func (s *CallSession) Status() CallStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stringToCallStatus(s.machine.Current())
}

// IsTerminal сообщает, завершена ли сессия
func (s *CallSession) IsTerminal() bool {
	return s.Status().IsTerminal()
}

// Info возвращает неизменяемый снимок сессии
func (s *CallSession) Info() CallInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// snapshotLocked строит снимок; вызывающий держит мьютекс
func (s *CallSession) snapshotLocked() CallInfo {
	return CallInfo{
		ID:              s.id,
		Direction:       s.direction,
		RemoteNumber:    s.remoteNumber,
		Status:          stringToCallStatus(s.machine.Current()),
		StartedAt:       s.startedAt,
		DurationSeconds: s.duration,
		FailReason:      s.failReason,
	}
}

// Media возвращает привязку медиа потока сессии
func (s *CallSession) Media() *MediaBinding {
	return s.media
}

// bindSignaling привязывает сигнальный handle после отправки INVITE.
func (s *CallSession) bindSignaling(sig SignalingCall) {
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
}

// signaling возвращает сигнальный handle вызова; может быть nil,
// если INVITE еще не отправлен.
func (s *CallSession) signaling() SignalingCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sig
}

// stringToCallStatus преобразует состояние FSM в CallStatus
func stringToCallStatus(state string) CallStatus {
	switch state {
	case stateConnecting:
		return CallConnecting
	case stateRinging:
		return CallRinging
	case stateActive:
		return CallActive
	case stateOnHold:
		return CallOnHold
	case stateTransferring:
		return CallTransferring
	case stateEnded:
		return CallEnded
	case stateFailed:
		return CallFailed
	case stateRejected:
		return CallRejected
	case stateCanceled:
		return CallCanceled
	default:
		return CallFailed
	}
}

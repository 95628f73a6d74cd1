package softphone

import (
	"time"
)

// RegistrationStatus определяет состояние регистрации UserAgent на сигнальном сервере.
type RegistrationStatus string

const (
	// RegistrationUnregistered - UA не зарегистрирован
	RegistrationUnregistered RegistrationStatus = "UNREGISTERED"
	// RegistrationRegistering - идет процесс регистрации
	RegistrationRegistering RegistrationStatus = "REGISTERING"
	// RegistrationRegistered - UA зарегистрирован и готов к вызовам
	RegistrationRegistered RegistrationStatus = "REGISTERED"
	// RegistrationFailed - регистрация отклонена сервером
	RegistrationFailed RegistrationStatus = "FAILED"
)

func (s RegistrationStatus) String() string {
	return string(s)
}

// CallDirection определяет направление вызова.
type CallDirection string

const (
	// DirectionIncoming - входящий вызов
	DirectionIncoming CallDirection = "INCOMING"
	// DirectionOutgoing - исходящий вызов
	DirectionOutgoing CallDirection = "OUTGOING"
)

// CallStatus определяет состояние вызова в машине состояний CallSession.
type CallStatus string

const (
	// CallConnecting - исходящий INVITE отправлен, ответа еще нет
	CallConnecting CallStatus = "CONNECTING"
	// CallRinging - удаленная сторона оповещена (180) либо входящий вызов ждет ответа
	CallRinging CallStatus = "RINGING"
	// CallActive - вызов установлен, медиа активно
	CallActive CallStatus = "ACTIVE"
	// CallOnHold - вызов на удержании
	CallOnHold CallStatus = "ON_HOLD"
	// CallTransferring - перевод принят удаленной стороной
	CallTransferring CallStatus = "TRANSFERRING"
	// CallEnded - вызов завершен нормально
	CallEnded CallStatus = "ENDED"
	// CallFailed - вызов завершен ошибкой протокола
	CallFailed CallStatus = "FAILED"
	// CallRejected - входящий вызов отклонен локально
	CallRejected CallStatus = "REJECTED"
	// CallCanceled - исходящий вызов отменен до ответа
	CallCanceled CallStatus = "CANCELED"
)

func (s CallStatus) String() string {
	return string(s)
}

// IsTerminal сообщает, является ли состояние терминальным.
// Терминальная сессия неизменяема и освобождает слот активного вызова.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallEnded, CallFailed, CallRejected, CallCanceled:
		return true
	}
	return false
}

// Credentials учетные данные для регистрации на сигнальном сервере.
type Credentials struct {
	Username string
	Password string
	// Realm опционален; если пуст, берется из challenge сервера
	Realm string
}

// CallInfo неизменяемый снимок состояния вызова.
// Передается в события и журнал вызовов; не содержит ссылок на живую сессию.
type CallInfo struct {
	ID              string        `json:"id"`
	Direction       CallDirection `json:"direction"`
	RemoteNumber    string        `json:"remote_number"`
	Status          CallStatus    `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds int           `json:"duration_seconds"`
	FailReason      string        `json:"fail_reason,omitempty"`
}

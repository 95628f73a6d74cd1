// Package presence реализует цикл присутствия оператора: периодический
// heartbeat в реестр присутствия и опрос метрик очереди входящих вызовов.
//
// Состояние присутствия живет в одной синхронно обновляемой ячейке
// (StatusCell): каждый тик heartbeat читает АКТУАЛЬНЫЕ значения в момент
// отправки, а не снимок, захваченный при создании цикла. Смена статуса
// оператором между тиками попадает в ближайший же heartbeat.
package presence

import (
	"sync"
)

// Status выбранный оператором статус присутствия.
type Status string

const (
	// StatusAvailable оператор готов принимать входящие вызовы
	StatusAvailable Status = "available"
	// StatusBusy оператор занят (разговор или ручная пометка)
	StatusBusy Status = "busy"
	// StatusAway оператор отошел, входящие не принимаются
	StatusAway Status = "away"
)

// Valid проверяет допустимость статуса
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway:
		return true
	}
	return false
}

// AgentPresence снимок присутствия оператора для UI.
type AgentPresence struct {
	// Status эффективный статус: во время вызова всегда busy
	Status Status `json:"status"`
	// Preferred статус, выбранный оператором; восстанавливается после вызова
	Preferred Status `json:"preferred"`
	// ActiveCalls число не-терминальных сессий
	ActiveCalls int `json:"activeCalls"`
	// Registered удалось ли доставить последний heartbeat
	Registered bool `json:"registered"`
	// AvailableAgents агрегат из реестра: сколько операторов свободно
	AvailableAgents int `json:"availableAgents"`
}

// StatusCell единственная ячейка состояния присутствия.
//
// Инвариант: пока есть не-терминальный вызов, эффективный статус - busy,
// независимо от выбора оператора; выбор сохраняется и вступает в силу,
// когда вызов закончится.
type StatusCell struct {
	mu              sync.Mutex
	preferred       Status
	activeCalls     int
	registered      bool
	availableAgents int
}

// NewStatusCell создает ячейку со статусом Available.
func NewStatusCell() *StatusCell {
	return &StatusCell{preferred: StatusAvailable}
}

// SetPreferred сохраняет выбранный оператором статус.
func (c *StatusCell) SetPreferred(s Status) {
	c.mu.Lock()
	c.preferred = s
	c.mu.Unlock()
}

// Preferred возвращает выбранный оператором статус.
func (c *StatusCell) Preferred() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

// SetActiveCalls обновляет число активных вызовов.
func (c *StatusCell) SetActiveCalls(n int) {
	c.mu.Lock()
	if n < 0 {
		n = 0
	}
	c.activeCalls = n
	c.mu.Unlock()
}

// Effective возвращает эффективный статус и число вызовов на момент вызова.
// Это значения, которые уходят в heartbeat.
func (c *StatusCell) Effective() (Status, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeCalls > 0 {
		return StatusBusy, c.activeCalls
	}
	return c.preferred, c.activeCalls
}

// SetRegistered отмечает исход последней доставки heartbeat.
func (c *StatusCell) SetRegistered(ok bool) {
	c.mu.Lock()
	c.registered = ok
	c.mu.Unlock()
}

// SetAvailableAgents сохраняет агрегат доступных операторов из реестра.
func (c *StatusCell) SetAvailableAgents(n int) {
	c.mu.Lock()
	c.availableAgents = n
	c.mu.Unlock()
}

// Snapshot возвращает консистентный снимок ячейки.
func (c *StatusCell) Snapshot() AgentPresence {
	c.mu.Lock()
	defer c.mu.Unlock()

	effective := c.preferred
	if c.activeCalls > 0 {
		effective = StatusBusy
	}
	return AgentPresence{
		Status:          effective,
		Preferred:       c.preferred,
		ActiveCalls:     c.activeCalls,
		Registered:      c.registered,
		AvailableAgents: c.availableAgents,
	}
}

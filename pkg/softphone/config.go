package softphone

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// TransportProtocol тип транспортного протокола сигнального канала.
type TransportProtocol string

const (
	// TransportUDP - UDP транспорт (RFC 3261)
	TransportUDP TransportProtocol = "udp"
	// TransportTCP - TCP транспорт (RFC 3261)
	TransportTCP TransportProtocol = "tcp"
	// TransportTLS - TLS поверх TCP, защищенный канал
	TransportTLS TransportProtocol = "tls"
	// TransportWS - WebSocket транспорт (RFC 7118)
	TransportWS TransportProtocol = "ws"
)

// TransportConfig конфигурация сигнального транспорта.
type TransportConfig struct {
	// Protocol транспортный протокол
	Protocol TransportProtocol

	// BindAddress локальный адрес для прослушивания
	BindAddress string
	// BindPort локальный порт, 0 = эфемерный
	BindPort int

	// ServerAddress адрес сигнального сервера (host:port)
	ServerAddress string

	// KeepaliveInterval интервал OPTIONS keepalive для обнаружения разрыва.
	// 0 отключает keepalive (разрыв обнаруживается только по ошибкам запросов).
	KeepaliveInterval time.Duration
}

// DefaultTransportConfig возвращает конфигурацию транспорта по умолчанию
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		Protocol:          TransportUDP,
		BindAddress:       "127.0.0.1",
		BindPort:          0,
		KeepaliveInterval: 25 * time.Second,
	}
}

// Validate проверяет конфигурацию транспорта
func (c *TransportConfig) Validate() error {
	switch c.Protocol {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS:
	default:
		return ErrInvalidConfig("Protocol", fmt.Sprintf("неподдерживаемый транспорт %q", c.Protocol))
	}
	if c.ServerAddress == "" {
		return ErrInvalidConfig("ServerAddress", "адрес сигнального сервера обязателен")
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return ErrInvalidConfig("BindPort", "порт вне диапазона")
	}
	return nil
}

// GetListenAddress возвращает адрес для прослушивания
func (c *TransportConfig) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}

// MediaConfig конфигурация медиа плоскости.
type MediaConfig struct {
	// RTPPort локальный порт для приема RTP, 0 = эфемерный
	RTPPort int

	// PermissionFunc проверка разрешения на микрофон перед созданием вызова.
	// nil означает, что разрешение уже выдано.
	PermissionFunc func(ctx context.Context) error

	// UseDTLS включает шифрование медиа канала
	UseDTLS bool
	// DTLS настройки защищенного транспорта, используются при UseDTLS
	DTLS DTLSConfig
}

// Config конфигурация UserAgent.
type Config struct {
	// Transport конфигурация сигнального канала
	Transport *TransportConfig

	// Media конфигурация медиа плоскости
	Media MediaConfig

	// UserAgentName строка заголовка User-Agent
	UserAgentName string
	// DisplayName отображаемое имя оператора
	DisplayName string

	// RegisterExpires срок регистрации в секундах
	RegisterExpires int

	// RegistrationWait потолок ожидания подтверждения регистрации в MakeCall
	RegistrationWait time.Duration

	// ReconnectMaxAttempts бюджет автоматических переподключений
	ReconnectMaxAttempts int
	// ReconnectBackoff задержка перед попыткой с данным номером (с 1).
	// nil = DefaultReconnectBackoff.
	ReconnectBackoff func(attempt int) time.Duration

	// HistoryLimit максимум записей журнала вызовов, 0 = без ограничения
	HistoryLimit int

	// Logger логгер; zerolog.Nop() если логирование не нужно
	Logger zerolog.Logger

	// MetricsRegisterer реестр Prometheus; nil отключает метрики
	MetricsRegisterer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Transport:            DefaultTransportConfig(),
		UserAgentName:        "AgentDesk/1.0",
		RegisterExpires:      300,
		RegistrationWait:     5 * time.Second,
		ReconnectMaxAttempts: 5,
		ReconnectBackoff:     DefaultReconnectBackoff,
		Logger:               zerolog.Nop(),
	}
}

// Validate проверяет конфигурацию и устанавливает значения по умолчанию
func (c *Config) Validate() error {
	if c.Transport == nil {
		c.Transport = DefaultTransportConfig()
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if c.UserAgentName == "" {
		c.UserAgentName = "AgentDesk/1.0"
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = 300
	}
	if c.RegistrationWait <= 0 {
		c.RegistrationWait = 5 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.ReconnectBackoff == nil {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.HistoryLimit < 0 {
		return ErrInvalidConfig("HistoryLimit", "не может быть отрицательным")
	}
	return nil
}

// DefaultReconnectBackoff экспоненциальная задержка переподключения:
// 2s на первой попытке, удвоение, потолок 30s (2, 4, 8, 16, 30).
func DefaultReconnectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := 2 * time.Second << (attempt - 1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

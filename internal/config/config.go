// Package config загружает конфигурацию приложения из YAML файла через viper.
package config

import (
	"github.com/spf13/viper"
)

// Config конфигурация клиента рабочего места оператора.
type Config struct {
	SIP      SIPConfig      `mapstructure:"sip"`
	Presence PresenceConfig `mapstructure:"presence"`
	Activity ActivityConfig `mapstructure:"activity"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Service  ServiceConfig  `mapstructure:"service"`
}

// SIPConfig настройки сигнального канала.
type SIPConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	Protocol      string `mapstructure:"protocol"`
	BindAddress   string `mapstructure:"bind_address"`
	BindPort      int    `mapstructure:"bind_port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Expires       int    `mapstructure:"expires"`
	RTPPort       int    `mapstructure:"rtp_port"`
}

// PresenceConfig настройки реестра присутствия и очереди.
type PresenceConfig struct {
	RegistryURL string `mapstructure:"registry_url"`
	// HeartbeatSeconds период heartbeat присутствия
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	// QueuePollSeconds период опроса метрик очереди
	QueuePollSeconds int `mapstructure:"queue_poll_seconds"`
}

// ActivityConfig настройки потока активности вызовов.
type ActivityConfig struct {
	WSURL string `mapstructure:"ws_url"`
	// MirrorPath путь локального зеркала буфера; пусто - без зеркала
	MirrorPath string `mapstructure:"mirror_path"`
}

// AgentConfig роль и отображаемое имя оператора.
type AgentConfig struct {
	DisplayName string `mapstructure:"display_name"`
	// Role: operator принимает входящие, supervisor видит метрики очереди
	Role string `mapstructure:"role"`
}

// ServiceConfig служебные настройки.
type ServiceConfig struct {
	LogLevel string `mapstructure:"log_level"`
	// MetricsPort порт /metrics; 0 отключает экспорт
	MetricsPort int `mapstructure:"metrics_port"`
}

// IsOperator сообщает, принимает ли роль входящие вызовы.
func (a AgentConfig) IsOperator() bool {
	return a.Role == "operator" || a.Role == ""
}

// SeesQueueMetrics сообщает, имеет ли роль доступ к метрикам очереди.
func (a AgentConfig) SeesQueueMetrics() bool {
	return a.Role == "operator" || a.Role == "supervisor" || a.Role == ""
}

// Load читает конфигурацию из файла с разумными значениями по умолчанию.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetDefault("sip.protocol", "udp")
	viper.SetDefault("sip.bind_address", "0.0.0.0")
	viper.SetDefault("sip.bind_port", 5060)
	viper.SetDefault("sip.expires", 300)
	viper.SetDefault("presence.heartbeat_seconds", 60)
	viper.SetDefault("presence.queue_poll_seconds", 30)
	viper.SetDefault("agent.role", "operator")
	viper.SetDefault("service.log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

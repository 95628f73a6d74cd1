// Команда agentdesk запускает клиент рабочего места оператора колл-центра:
// SIP софтфон, heartbeat присутствия, опрос очереди и поток активности.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/agent_desk/internal/config"
	"github.com/arzzra/agent_desk/internal/session"
	"github.com/arzzra/agent_desk/pkg/softphone"
)

var (
	configPath = flag.String("config", "config.yaml", "путь к файлу конфигурации")
	logLevel   = flag.String("log-level", "", "уровень логирования (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("конфигурация не загружена")
	}

	logger := setupLogging(cfg, *logLevel)

	registry := prometheus.NewRegistry()
	if cfg.Service.MetricsPort > 0 {
		go serveMetrics(logger, registry, cfg.Service.MetricsPort)
	}

	s, err := session.New(cfg, logger, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("сеанс не собран")
	}

	loginCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	creds := softphone.Credentials{
		Username: cfg.SIP.Username,
		Password: cfg.SIP.Password,
	}
	if err := s.Login(loginCtx, creds); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("вход не выполнен")
	}
	cancel()

	// Терминальный отказ сети виден в логе, сеанс продолжает работать:
	// оператор может переподключиться вручную
	unsub := s.UA.Events().Subscribe(func(ev softphone.Event) {
		switch e := ev.(type) {
		case softphone.ConnectionFailedEvent:
			logger.Error().Err(e.LastErr).Int("attempts", e.Attempts).Msg("связь с сервером потеряна, автоматических попыток больше не будет")
		case softphone.IncomingCallEvent:
			logger.Info().Str("from", e.Call.RemoteNumber).Msg("входящий вызов")
		}
	})
	defer unsub()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("завершение по сигналу")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Logout(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("сеанс закрыт с ошибкой")
	}
}

// setupLogging настраивает zerolog по конфигурации и флагу.
func setupLogging(cfg *config.Config, override string) zerolog.Logger {
	level := cfg.Service.LogLevel
	if override != "" {
		level = override
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}

// serveMetrics экспортирует Prometheus метрики.
func serveMetrics(logger zerolog.Logger, registry *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("метрики доступны на /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("сервер метрик остановился")
	}
}

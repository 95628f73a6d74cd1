package softphone

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLSConfig настройки шифрования медиа канала.
type DTLSConfig struct {
	// ServerAddress адрес медиа сервера (host:port); DTLS требует
	// соединенного сокета
	ServerAddress string

	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ServerName   string

	// InsecureSkipVerify отключает проверку сертификата сервера
	InsecureSkipVerify bool

	// HandshakeTimeout таймаут DTLS рукопожатия
	HandshakeTimeout time.Duration

	// MTU для фрагментации DTLS сообщений
	MTU int
}

// DefaultDTLSConfig возвращает настройки DTLS по умолчанию
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{
		HandshakeTimeout: 30 * time.Second,
		MTU:              1200,
	}
}

// wrapMediaDTLS оборачивает медиа соединение в DTLS (клиентская сторона).
// Используется, когда Config.Media.UseDTLS включен: RTP пакеты идут
// внутри защищенного канала к медиа серверу.
func wrapMediaDTLS(ctx context.Context, conn net.Conn, cfg DTLSConfig) (net.Conn, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}

	dtlsCfg := &dtls.Config{
		Certificates:       cfg.Certificates,
		RootCAs:            cfg.RootCAs,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MTU:                cfg.MTU,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, cfg.HandshakeTimeout)
		},
	}

	dtlsConn, err := dtls.ClientWithContext(ctx, conn, dtlsCfg)
	if err != nil {
		return nil, fmt.Errorf("DTLS рукопожатие не удалось: %w", err)
	}
	return dtlsConn, nil
}

// dialVoiceDTLS устанавливает защищенный медиа канал до сервера:
// UDP сокет с голосовыми оптимизациями, поверх него DTLS.
func dialVoiceDTLS(ctx context.Context, host string, cfg MediaConfig) (net.Conn, error) {
	if cfg.DTLS.ServerAddress == "" {
		return nil, ErrInvalidConfig("DTLS.ServerAddress", "адрес медиа сервера обязателен при UseDTLS")
	}

	d := net.Dialer{Control: voiceSockControl}
	if cfg.RTPPort > 0 {
		d.LocalAddr = &net.UDPAddr{IP: net.ParseIP(host), Port: cfg.RTPPort}
	}

	conn, err := d.DialContext(ctx, "udp", cfg.DTLS.ServerAddress)
	if err != nil {
		return nil, ErrTransportUnavailable(cfg.DTLS.ServerAddress, err)
	}

	wrapped, err := wrapMediaDTLS(ctx, conn, cfg.DTLS)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return wrapped, nil
}

package softphone

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

// MediaBinding привязывает входящий медиа поток вызова к выходному устройству.
//
// Модель воспроизведения повторяет браузерную: звук не играет, пока не было
// жеста пользователя (Unlock) и пока не назначено выходное устройство
// (BindSink). Порядок событий не гарантирован: поток может прийти раньше
// устройства и наоборот, привязка сливается в любом порядке. Пакеты,
// пришедшие до полной привязки, буферизуются ограниченно.
type MediaBinding struct {
	mu       sync.Mutex
	sink     io.Writer
	unlocked bool
	released bool

	// голосовой сокет вызова; открывается при переходе в Active
	conn      io.Closer
	localAddr net.Addr

	// буфер до момента unlock+bind; ограничен, старое вытесняется
	pending [][]byte
}

// maxPendingPayloads ограничивает буфер до привязки устройства
const maxPendingPayloads = 64

// NewMediaBinding создает непривязанную медиа привязку
func NewMediaBinding() *MediaBinding {
	return &MediaBinding{}
}

// Unlock разрешает воспроизведение; идемпотентна.
// Вызывается по первому жесту пользователя.
func (m *MediaBinding) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unlocked {
		return
	}
	m.unlocked = true
	m.flushLocked()
}

// BindSink назначает выходное устройство. Поздняя привязка допустима:
// буферизованные пакеты доигрываются после назначения.
func (m *MediaBinding) BindSink(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sink = w
	m.flushLocked()
}

// HandlePacket принимает RTP пакет входящего потока.
func (m *MediaBinding) HandlePacket(p *rtp.Packet) {
	if p == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return
	}

	if m.unlocked && m.sink != nil {
		m.sink.Write(p.Payload)
		return
	}

	// Привязка не завершена: копим хвост потока
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	m.pending = append(m.pending, payload)
	if len(m.pending) > maxPendingPayloads {
		m.pending = m.pending[len(m.pending)-maxPendingPayloads:]
	}
}

// flushLocked доигрывает буфер, если привязка завершена
func (m *MediaBinding) flushLocked() {
	if !m.unlocked || m.sink == nil {
		return
	}
	for _, payload := range m.pending {
		m.sink.Write(payload)
	}
	m.pending = nil
}

// Release освобождает привязку при завершении вызова; идемпотентна.
// Закрывает голосовой сокет, что останавливает цикл приема.
func (m *MediaBinding) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.released = true
	m.pending = nil
	m.sink = nil
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Released сообщает, освобождена ли привязка
func (m *MediaBinding) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// StartReceiver открывает голосовой сокет вызова и запускает прием входящего
// RTP потока; пакеты доставляются в HandlePacket. Идемпотентен; сокет
// закрывается в Release вместе с привязкой.
func (m *MediaBinding) StartReceiver(ctx context.Context, cfg MediaConfig, host string) error {
	m.mu.Lock()
	if m.released || m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var (
		closer    io.Closer
		localAddr net.Addr
		read      func([]byte) (int, error)
	)

	if cfg.UseDTLS {
		conn, err := dialVoiceDTLS(ctx, host, cfg)
		if err != nil {
			return err
		}
		closer, localAddr, read = conn, conn.LocalAddr(), conn.Read
	} else {
		pc, err := openVoiceSocket(ctx, host, cfg.RTPPort)
		if err != nil {
			return err
		}
		closer, localAddr = pc, pc.LocalAddr()
		read = func(buf []byte) (int, error) {
			n, _, err := pc.ReadFrom(buf)
			return n, err
		}
	}

	m.mu.Lock()
	if m.released || m.conn != nil {
		m.mu.Unlock()
		closer.Close()
		return nil
	}
	m.conn = closer
	m.localAddr = localAddr
	m.mu.Unlock()

	go m.receiveLoop(read)
	return nil
}

// receiveLoop читает RTP пакеты из сокета до его закрытия.
func (m *MediaBinding) receiveLoop(read func([]byte) (int, error)) {
	buf := make([]byte, 1500)
	for {
		n, err := read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// Не-RTP мусор на голосовом порту пропускаем
			continue
		}
		m.HandlePacket(&pkt)
	}
}

// ReceiverAddr возвращает локальный адрес голосового сокета,
// nil если прием не запущен.
func (m *MediaBinding) ReceiverAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localAddr
}

// voiceSockControl применяет голосовые оптимизации (SO_REUSEPORT, DSCP EF)
// к сырому сокету там, где платформа их поддерживает.
func voiceSockControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = setVoiceSockOpts(int(fd))
	}); err != nil {
		return err
	}
	return sockErr
}

// openVoiceSocket открывает UDP сокет для приема RTP.
func openVoiceSocket(ctx context.Context, host string, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: voiceSockControl}

	conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, ErrTransportUnavailable(fmt.Sprintf("%s:%d", host, port), err)
	}
	return conn, nil
}

// buildAudioOffer строит минимальный SDP offer для голосового вызова.
// direction: "sendrecv" для активного вызова, "sendonly" для удержания.
func buildAudioOffer(sessionID string, host string, port int, direction string) ([]byte, error) {
	origin := sdp.Origin{
		Username:       "-",
		SessionID:      uint64(time.Now().Unix()),
		SessionVersion: uint64(time.Now().Unix()),
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: host,
	}

	desc := sdp.SessionDescription{
		Version:     0,
		Origin:      origin,
		SessionName: sdp.SessionName(sessionID),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", "0 PCMU/8000"),
					sdp.NewAttribute("rtpmap", "8 PCMA/8000"),
					sdp.NewAttribute("ptime", "20"),
					sdp.NewPropertyAttribute(direction),
				},
			},
		},
	}

	data, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("не удалось собрать SDP: %w", err)
	}
	return data, nil
}

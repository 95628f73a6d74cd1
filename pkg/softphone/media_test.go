package softphone

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmuPacket(payload string) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{PayloadType: 0},
		Payload: []byte(payload),
	}
}

func TestMediaBufferedUntilUnlockAndBind(t *testing.T) {
	m := NewMediaBinding()
	var sink bytes.Buffer

	// Поток пришел раньше жеста пользователя и устройства
	m.HandlePacket(pcmuPacket("aaa"))
	m.HandlePacket(pcmuPacket("bbb"))
	assert.Zero(t, sink.Len())

	m.Unlock()
	assert.Zero(t, sink.Len(), "без устройства воспроизведения нет")

	m.BindSink(&sink)
	assert.Equal(t, "aaabbb", sink.String(), "буфер доигрывается после привязки")

	m.HandlePacket(pcmuPacket("ccc"))
	assert.Equal(t, "aaabbbccc", sink.String())
}

func TestMediaBindBeforeUnlock(t *testing.T) {
	m := NewMediaBinding()
	var sink bytes.Buffer

	// Обратный порядок: устройство назначено до жеста
	m.BindSink(&sink)
	m.HandlePacket(pcmuPacket("xxx"))
	assert.Zero(t, sink.Len())

	m.Unlock()
	assert.Equal(t, "xxx", sink.String())
}

func TestMediaUnlockIdempotent(t *testing.T) {
	m := NewMediaBinding()
	var sink bytes.Buffer
	m.BindSink(&sink)
	m.Unlock()
	m.Unlock()

	m.HandlePacket(pcmuPacket("yy"))
	assert.Equal(t, "yy", sink.String())
}

func TestMediaPendingBufferBounded(t *testing.T) {
	m := NewMediaBinding()
	for i := 0; i < maxPendingPayloads+10; i++ {
		m.HandlePacket(pcmuPacket("p"))
	}

	var sink bytes.Buffer
	m.Unlock()
	m.BindSink(&sink)
	assert.Equal(t, maxPendingPayloads, sink.Len(), "старое вытесняется, буфер ограничен")
}

func TestMediaReleaseDropsEverything(t *testing.T) {
	m := NewMediaBinding()
	var sink bytes.Buffer
	m.Unlock()
	m.BindSink(&sink)

	m.Release()
	require.True(t, m.Released())

	m.HandlePacket(pcmuPacket("zzz"))
	assert.Zero(t, sink.Len(), "после release пакеты игнорируются")

	// Повторный release безопасен
	m.Release()
}

// syncSink потокобезопасный приемник аудио для тестов сетевого приема.
type syncSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestMediaReceiverDeliversNetworkPackets(t *testing.T) {
	m := NewMediaBinding()
	sink := &syncSink{}
	m.Unlock()
	m.BindSink(sink)

	require.NoError(t, m.StartReceiver(context.Background(), MediaConfig{RTPPort: 0}, "127.0.0.1"))
	addr := m.ReceiverAddr()
	require.NotNil(t, addr)

	// Повторный запуск - no-op, сокет не пересоздается
	require.NoError(t, m.StartReceiver(context.Background(), MediaConfig{RTPPort: 0}, "127.0.0.1"))
	assert.Equal(t, addr.String(), m.ReceiverAddr().String())

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	data, err := pcmuPacket("voice").Marshal()
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.String() == "voice"
	}, 2*time.Second, 10*time.Millisecond)

	// Не-RTP мусор на порту не роняет цикл приема
	_, err = conn.Write([]byte{0x01})
	require.NoError(t, err)

	more, err := pcmuPacket("+more").Marshal()
	require.NoError(t, err)
	_, err = conn.Write(more)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sink.String() == "voice+more"
	}, 2*time.Second, 10*time.Millisecond)

	m.Release()
	require.True(t, m.Released())
}

func TestBuildAudioOfferDirections(t *testing.T) {
	offer, err := buildAudioOffer("sess-1", "127.0.0.1", 40000, "sendrecv")
	require.NoError(t, err)
	assert.Contains(t, string(offer), "m=audio 40000")
	assert.Contains(t, string(offer), "PCMU/8000")
	assert.Contains(t, string(offer), "a=sendrecv")

	hold, err := buildAudioOffer("sess-1", "127.0.0.1", 40000, "sendonly")
	require.NoError(t, err)
	assert.Contains(t, string(hold), "a=sendonly")
}

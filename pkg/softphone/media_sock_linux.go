//go:build linux

package softphone

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setVoiceSockOpts настраивает RTP сокет для голосового трафика (Linux).
func setVoiceSockOpts(fd int) error {
	// SO_REUSEPORT позволяет перезапустить софтфон без ожидания TIME_WAIT
	// и разделить порт между несколькими слушателями
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}

	// Приоритет сокета для интерактивного аудио
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

	// DSCP EF (46) для QoS маркировки голосового трафика.
	// В контейнерах может быть запрещено, тогда работаем без маркировки.
	tos := 46 << 2
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos)

	return nil
}

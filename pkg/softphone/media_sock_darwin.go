//go:build darwin

package softphone

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setVoiceSockOpts настраивает RTP сокет для голосового трафика (macOS).
func setVoiceSockOpts(fd int) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}

	// DSCP EF (46); macOS поддерживает IP_TOS
	tos := 46 << 2
	syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos)

	return nil
}

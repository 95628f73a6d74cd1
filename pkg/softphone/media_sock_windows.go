//go:build windows

package softphone

import (
	"golang.org/x/sys/windows"
)

// setVoiceSockOpts настраивает RTP сокет для голосового трафика (Windows).
// SO_REUSEPORT на Windows отсутствует, используется SO_REUSEADDR.
func setVoiceSockOpts(fd int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

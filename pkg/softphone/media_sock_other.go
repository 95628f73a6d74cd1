//go:build !linux && !darwin && !windows

package softphone

// setVoiceSockOpts - заглушка для платформ без голосовых оптимизаций.
func setVoiceSockOpts(fd int) error {
	return nil
}

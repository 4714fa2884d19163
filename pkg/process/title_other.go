//go:build !linux

package process

// SetTitle is not supported on this platform; the title is only used in log lines.
func SetTitle(title string) error {
	return nil
}

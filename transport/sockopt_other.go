//go:build !linux

package transport

// Socket tuning is only implemented on Linux; elsewhere the operating
// system defaults apply.
func (o socketOptions) apply(_ uintptr) error {
	return nil
}

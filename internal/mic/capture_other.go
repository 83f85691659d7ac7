//go:build !linux || !cgo

package mic

import "context"

// Device reports ErrUnsupported: capture drivers are only wired on Linux.
type Device struct{}

func NewDevice() Capturer { return Device{} }

func (Device) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

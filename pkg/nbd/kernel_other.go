//go:build !linux

package nbd

import "github.com/pkg/errors"

func openKernelDriver(path string) (driver, error) {
	return nil, errors.Wrapf(ErrDeviceUnavailable, "%s: nbd devices are only available on linux", path)
}

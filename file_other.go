//go:build !linux

package vblk

import (
	"os"

	"golang.org/x/sys/unix"
)

func punchHole(f *os.File, off, length int64) error {
	return unix.ENOTSUP
}

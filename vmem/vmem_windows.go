//go:build windows

package vmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

type osBackend struct{}

func (osBackend) Reserve(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, cerrors.Wrapf(ErrOutOfAddressSpace, "VirtualAlloc of %d bytes failed with %s", size, err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (osBackend) Commit(region []byte) error {
	_, err := windows.VirtualAlloc(
		uintptr(unsafe.Pointer(&region[0])),
		uintptr(len(region)),
		windows.MEM_COMMIT,
		windows.PAGE_READWRITE,
	)
	if err != nil {
		return cerrors.Wrapf(ErrOutOfMemory, "VirtualAlloc commit of %d bytes failed with %s", len(region), err)
	}

	return nil
}

func (osBackend) Release(reservation []byte) error {
	err := windows.VirtualFree(uintptr(unsafe.Pointer(&reservation[0])), 0, windows.MEM_RELEASE)
	if err != nil {
		return cerrors.Wrapf(err, "VirtualFree of %d bytes", len(reservation))
	}

	return nil
}

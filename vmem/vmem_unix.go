//go:build unix

package vmem

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type osBackend struct{}

func (osBackend) Reserve(size int) ([]byte, error) {
	// PROT_NONE keeps the range unbacked until Commit flips the protection;
	// MAP_NORESERVE opts the range out of commit-charge accounting so multi-TiB
	// reservations succeed regardless of overcommit policy.
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, cerrors.Wrapf(ErrOutOfAddressSpace, "mmap of %d bytes failed with %s", size, err)
	}

	return mem, nil
}

func (osBackend) Commit(region []byte) error {
	// The pages are already mapped, so committing is a protection change. The
	// kernel supplies zero pages on first touch.
	err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return cerrors.Wrapf(ErrOutOfMemory, "mprotect of %d bytes failed with %s", len(region), err)
	}

	return nil
}

func (osBackend) Release(reservation []byte) error {
	err := unix.Munmap(reservation)
	if err != nil {
		return cerrors.Wrapf(err, "munmap of %d bytes", len(reservation))
	}

	return nil
}

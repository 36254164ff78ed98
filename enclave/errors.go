package enclave

import "github.com/pkg/errors"

var (
	// ErrOutOfMemory is returned from Alloc when the request is larger than
	// MediumMaxBlock or when the backing division cannot be grown, either
	// because the OS refused to commit a page or because the division's
	// address space is exhausted.
	ErrOutOfMemory error = errors.New("the allocation could not be satisfied")
	// ErrUnknownEnclave is returned from AllocatorByName for names that were
	// never bound with BindName.
	ErrUnknownEnclave error = errors.New("no enclave is bound to this name")
)

package memfit

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidSize is returned when a non-positive byte count is requested from Init or Alloc
	ErrInvalidSize = errors.New("requested size must be a positive number of bytes")
	// ErrAlreadyInitialized is returned when Init is called on an allocator that already owns a region
	ErrAlreadyInitialized = errors.New("allocator already owns a region")
	// ErrBackingAllocation is returned when the host cannot supply the requested region
	ErrBackingAllocation = errors.New("backing region could not be reserved")
	// ErrNoFit is returned from Alloc when no free block is large enough for the request
	ErrNoFit = errors.New("no free block large enough for the requested size")
	// ErrNullPointer is returned from Free when the payload reference is empty
	ErrNullPointer = errors.New("empty payload reference")
	// ErrNotAllocated is returned from Free when the payload reference does not name a busy block
	ErrNotAllocated = errors.New("payload reference does not name an allocated block")
)

package procpool

import "errors"

// ErrOutOfMemory is returned by Allocate when no sufficiently long run of
// free, correctly-aligned blocks exists.
var ErrOutOfMemory = errors.New("procpool: out of memory")

// ErrInvalidArgument is returned by Allocate for an out-of-range request
// size, and by Deallocate for an address that was never returned by
// Allocate.
var ErrInvalidArgument = errors.New("procpool: invalid argument")

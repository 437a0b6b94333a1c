package blockpool

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number
// being tested is not a power of two.
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfSpaceError is returned from fixed-capacity allocators (command buffer surface
// ranges, one-shot streams) when the requested range does not fit. Pool-backed
// allocators never return it; they grow instead.
var OutOfSpaceError error = errors.New("allocation does not fit in the remaining space")

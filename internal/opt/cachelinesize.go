package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is used to pad hot atomics away from neighbouring fields.
// It follows the target CPU as reported by golang.org/x/sys/cpu.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})

package softmap

import (
	"hash/maphash"
	"reflect"
	"runtime"
	"time"
	"unsafe"
)

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

const maxSpins = 4

// delay backs off a spinning waiter: a few yields first, then a short
// sleep so a descheduled lock holder can make progress.
func delay(spins *int) {
	if *spins < maxSpins {
		*spins++
		runtime.Gosched()
		return
	}
	*spins = 0
	time.Sleep(500 * time.Microsecond)
}

type (
	// EqualFunc compares the values behind two *V pointers.
	EqualFunc func(ptr unsafe.Pointer, other unsafe.Pointer) bool
	// HashFunc hashes the value behind a *V pointer.
	HashFunc func(ptr unsafe.Pointer, seed maphash.Seed) uint64
)

// hashSeed is shared by every map in the process so that equal maps
// produce equal Hash results.
var hashSeed = maphash.MakeSeed()

// defaultValueEqual uses == for comparable value types that hold no
// interface anywhere in their layout, and reflect.DeepEqual otherwise. A
// type such as struct{ X any } is comparable, but == panics once X holds a
// slice, map or func.
func defaultValueEqual[V any]() EqualFunc {
	t := reflect.TypeFor[V]()
	if t.Comparable() && !holdsInterface(t) {
		return func(ptr unsafe.Pointer, other unsafe.Pointer) bool {
			return any(*(*V)(ptr)) == any(*(*V)(other))
		}
	}
	return func(ptr unsafe.Pointer, other unsafe.Pointer) bool {
		return reflect.DeepEqual(*(*V)(ptr), *(*V)(other))
	}
}

// holdsInterface reports whether a value of t stores an interface inline,
// directly or in an array element or struct field.
func holdsInterface(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Array:
		return holdsInterface(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if holdsInterface(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}

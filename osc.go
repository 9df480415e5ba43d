package osc

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// bufPool recycles the byte slices used to encode outgoing packets, the
// same pooling the teacher used around its UDP send path, now used by
// package peer's Send.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1024)
		return &b
	},
}

// GetBuf returns a zero-length buffer with spare capacity from the pool.
// Callers must return it with PutBuf once the encoded bytes have been
// written out.
func GetBuf() []byte {
	b := bufPool.Get().(*[]byte)
	return (*b)[:0]
}

// PutBuf returns a buffer obtained from GetBuf to the pool.
func PutBuf(b []byte) {
	bufPool.Put(&b)
}

// AsString returns a *String argument wrapping s, for call sites that want
// a pointer-shaped Argument without a local variable.
func AsString(s string) *String {
	os := String(s)
	return &os
}

// AsInt32 returns a *Int32 argument built from any integer type.
func AsInt32[T constraints.Integer](i T) *Int32 {
	ii := Int32(i)
	return &ii
}

// AsFloat32 returns a *Float32 argument built from any float type.
func AsFloat32[T constraints.Float](f T) *Float32 {
	ff := Float32(f)
	return &ff
}

// AsInt64 returns a *Int64 argument built from any integer type.
func AsInt64[T constraints.Integer](i T) *Int64 {
	ii := Int64(i)
	return &ii
}

// AsDouble returns a *Double argument built from any float type.
func AsDouble[T constraints.Float](f T) *Double {
	dd := Double(f)
	return &dd
}

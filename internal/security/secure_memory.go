// Package security holds helpers for handling raw key material.
//
// Key material MUST be held as []byte, never string: strings are immutable and
// cannot be wiped. Callers copy material out of shared structures with
// CopyKey and wipe their copy with ZeroBytes once done.
package security

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites data in place so retired key material does not linger
// in memory longer than the slice itself.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	patterns := []byte{0x00, 0xFF, 0xAA, 0x55}
	for _, pattern := range patterns {
		for i := range data {
			data[i] = pattern
		}
		runtime.KeepAlive(data)
	}

	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// ZeroAll wipes every non-nil slice.
func ZeroAll(slices ...[]byte) {
	for _, s := range slices {
		ZeroBytes(s)
	}
}

// CopyKey returns an independent copy of src, or nil when src is empty.
func CopyKey(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// ConstantTimeEq reports whether a and b are equal without leaking timing.
func ConstantTimeEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsAllZero reports whether every byte of data is zero. Used to reject
// uninitialized key buffers.
func IsAllZero(data []byte) bool {
	var acc byte
	for _, b := range data {
		acc |= b
	}
	return acc == 0
}

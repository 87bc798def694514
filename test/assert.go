package test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// CapturePanic runs f and returns the value it panicked with, or nil.
func CapturePanic(f func()) (v any) {
	defer func() {
		v = recover()
	}()
	f()
	return nil
}

// RequirePanicAs runs f, requires it to panic with a value of type T and
// returns that value.
func RequirePanicAs[T any](t testing.TB, f func()) T {
	t.Helper()
	v := CapturePanic(f)
	require.NotNil(t, v, "expected a panic")
	got, ok := v.(T)
	require.Truef(t, ok, "panic value %#v has type %T", v, v)
	return got
}

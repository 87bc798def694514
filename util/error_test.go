package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type m = map[string]any

type TestLogWriter struct {
	Logs []string
}

func NewTestLogWriter() *TestLogWriter {
	return &TestLogWriter{Logs: make([]string, 0)}
}

func (tl *TestLogWriter) Write(p []byte) (n int, err error) {
	tl.Logs = append(tl.Logs, string(p))
	return len(p), nil
}

func (tl *TestLogWriter) Reset() {
	tl.Logs = tl.Logs[:0]
}

func newTestLogger() (*logrus.Logger, *TestLogWriter) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}

	tl := NewTestLogWriter()
	l.Out = tl
	return l, tl
}

func TestContextualError_Log(t *testing.T) {
	l, tl := newTestLogger()

	// Test a full context line
	tl.Reset()
	e := NewContextualError("Invalid channel", m{"channel": 1}, errors.New("capacity is not a power of 2"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"Invalid channel\" channel=1 error=\"capacity is not a power of 2\"\n"}, tl.Logs)

	// Test a line with an error and msg but no fields
	tl.Reset()
	e = NewContextualError("test message", nil, errors.New("error"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error\n"}, tl.Logs)

	// Test just a context and fields
	tl.Reset()
	e = NewContextualError("test message", m{"field": "1"}, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\" field=1\n"}, tl.Logs)

	// Test just a context
	tl.Reset()
	e = NewContextualError("test message", nil, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"test message\"\n"}, tl.Logs)

	// Test just an error
	tl.Reset()
	e = NewContextualError("", nil, errors.New("error"))
	e.Log(l)
	assert.Equal(t, []string{"level=error error=error\n"}, tl.Logs)
}

func TestContextualError_Error(t *testing.T) {
	inner := errors.New("boom")

	assert.Equal(t, "ctx", NewContextualError("ctx", m{"a": 1}, nil).Error())
	assert.Equal(t, "ctx: boom", NewContextualError("ctx", nil, inner).Error())
	assert.Equal(t, "ctx (map[a:1]): boom", NewContextualError("ctx", m{"a": 1}, inner).Error())

	assert.ErrorIs(t, NewContextualError("ctx", nil, inner), inner)
	assert.EqualError(t, errors.Unwrap(NewContextualError("ctx", nil, nil)), "ctx")
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, tl := newTestLogger()

	// Test ignoring fallback context
	tl.Reset()
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	LogWithContextIfNeeded("This should get thrown away", e, l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1\n"}, tl.Logs)

	// A wrapped contextual error still carries its fields
	tl.Reset()
	LogWithContextIfNeeded("This should get thrown away", fmt.Errorf("wrapped: %w", e), l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1\n"}, tl.Logs)

	// Test using fallback context
	tl.Reset()
	err := fmt.Errorf("this is a normal error")
	LogWithContextIfNeeded("Fallback context woo", err, l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context woo\" error=\"this is a normal error\"\n"}, tl.Logs)
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Test ignoring fallback context
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	// Test using fallback context
	err := fmt.Errorf("this is a normal error")
	cErr := ContextualizeIfNeeded("Fallback context woo", err)

	var v *ContextualError
	require.ErrorAs(t, cErr, &v)
	assert.Equal(t, err, v.RealError)
	assert.Equal(t, "Fallback context woo", v.Context)
}

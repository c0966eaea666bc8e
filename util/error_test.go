package util

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type m = map[string]any

func newLineLogger() (*logrus.Logger, *bytes.Buffer) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	buf := &bytes.Buffer{}
	l.Out = buf
	return l, buf
}

func TestContextualError_Error(t *testing.T) {
	assert.Equal(t, "no space",
		NewContextualError("no space", nil, nil).Error())
	assert.Equal(t, "no space: disk full",
		NewContextualError("no space", nil, errors.New("disk full")).Error())
	assert.Equal(t, "no space (map[dev:sda]): disk full",
		NewContextualError("no space", m{"dev": "sda"}, errors.New("disk full")).Error())
}

func TestContextualError_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	require.ErrorIs(t, NewContextualError("no space", nil, inner), inner)
}

func TestContextualError_Log(t *testing.T) {
	l, buf := newLineLogger()

	NewContextualError("test message", m{"field": "1"}, errors.New("error")).Log(l)
	assert.Equal(t, "level=error msg=\"test message\" error=error field=1\n", buf.String())

	buf.Reset()
	NewContextualError("test message", nil, errors.New("error")).Log(l)
	assert.Equal(t, "level=error msg=\"test message\" error=error\n", buf.String())

	buf.Reset()
	NewContextualError("test message", m{"field": "1"}, nil).Log(l)
	assert.Equal(t, "level=error msg=\"test message\" field=1\n", buf.String())
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, buf := newLineLogger()

	// A contextual error logs itself; the fallback message is unused.
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	LogWithContextIfNeeded("unused fallback", e, l)
	assert.Equal(t, "level=error msg=\"test message\" error=error field=1\n", buf.String())

	buf.Reset()
	LogWithContextIfNeeded("fallback message", fmt.Errorf("plain error"), l)
	assert.Equal(t, "level=error msg=\"fallback message\" error=\"plain error\"\n", buf.String())

	// Wrapping does not hide the contextual error.
	buf.Reset()
	LogWithContextIfNeeded("unused fallback", fmt.Errorf("outer: %w", e), l)
	assert.Equal(t, "level=error msg=\"test message\" error=error field=1\n", buf.String())
}

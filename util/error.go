package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError carries the operation that failed and the structured
// fields worth logging next to the underlying error. Setup paths return it
// so the caller can emit one uniform error line instead of re-wrapping.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %s", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s (%v): %s", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

// Log emits the error through the given logger, with the context as the
// message and the wrapped error and fields as entry data.
func (ce *ContextualError) Log(l *logrus.Logger) {
	e := l.WithFields(logrus.Fields(ce.Fields))
	if ce.RealError != nil {
		e = e.WithError(ce.RealError)
	}
	e.Error(ce.Context)
}

// LogWithContextIfNeeded logs err on its own terms when a ContextualError
// is somewhere in its chain, and falls back to msg otherwise.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures the pipeline can surface. Everything the
// analysis returns as an error is one of these five kinds; recoverable
// conditions are recorded in the report instead.
type ErrorKind int

const (
	KindInput ErrorKind = iota + 1
	KindDecode
	KindDetection
	KindInsufficientMotion
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindInput:
		return "input_error"
	case KindDecode:
		return "decode_error"
	case KindDetection:
		return "detection_error"
	case KindInsufficientMotion:
		return "insufficient_motion"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown_error"
	}
}

// AnalysisError carries the kind, the stage that raised it, and the cause.
type AnalysisError struct {
	Kind  ErrorKind
	Stage string
	Msg   string
	Err   error
}

func (e *AnalysisError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Stage != "" {
		s = e.Stage + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func InputErrorf(stage, format string, args ...interface{}) *AnalysisError {
	return &AnalysisError{Kind: KindInput, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func DecodeErrorf(stage, format string, args ...interface{}) *AnalysisError {
	return &AnalysisError{Kind: KindDecode, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func DetectionErrorf(stage, format string, args ...interface{}) *AnalysisError {
	return &AnalysisError{Kind: KindDetection, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func InsufficientMotionErrorf(stage, format string, args ...interface{}) *AnalysisError {
	return &AnalysisError{Kind: KindInsufficientMotion, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// CancelledError wraps the context error so errors.Is(err, context.Canceled)
// keeps working for callers that check the raw cause.
func CancelledError(stage string, cause error) *AnalysisError {
	return &AnalysisError{Kind: KindCancelled, Stage: stage, Msg: "analysis cancelled", Err: cause}
}

// WrapError attaches a kind and stage to an underlying error.
func WrapError(kind ErrorKind, stage, msg string, err error) *AnalysisError {
	return &AnalysisError{Kind: kind, Stage: stage, Msg: msg, Err: err}
}

// IsKind reports whether err is (or wraps) an AnalysisError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *AnalysisError
	return errors.As(err, &ae) && ae.Kind == kind
}

// KindOf extracts the error kind, 0 when err is not an AnalysisError.
func KindOf(err error) ErrorKind {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

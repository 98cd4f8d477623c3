package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError pairs a cause with the reason code reported in logs and
// metrics. Error() is the cause's message so wrapping stays transparent to
// callers matching on text.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. The innermost reason wins: a store error that
// surfaces through a lookup keeps its tenant_store code.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := reasonOf(err); ok {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Errorf formats a new error tagged with reason.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

func Reason(err error) ReasonCode {
	if r, ok := reasonOf(err); ok {
		return r
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attr is the reason_code log attribute for err.
func Attr(err error) slog.Attr {
	return slog.String("reason_code", string(Reason(err)))
}

func reasonOf(err error) (ReasonCode, bool) {
	if err == nil {
		return "", false
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

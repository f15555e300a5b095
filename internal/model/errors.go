package model

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an attempt did not produce a working descriptor.
type FailureKind string

const (
	KindNone                     FailureKind = ""
	KindMalformedDescriptor      FailureKind = "malformed_descriptor"
	KindUnsafePayload            FailureKind = "unsafe_payload"
	KindUnsupportedProtocol      FailureKind = "unsupported_protocol"
	KindFieldMapping             FailureKind = "field_mapping_error"
	KindProcessExitedImmediately FailureKind = "process_exited_immediately"
	KindProbeTimeout             FailureKind = "probe_timeout"
	KindConnectFailure           FailureKind = "connect_failure"
	KindProcessSpawnFailure      FailureKind = "process_spawn_failure"
	KindPoolExhausted            FailureKind = "pool_exhausted"
	KindCancelled                FailureKind = "cancelled"
	KindNetworkUnavailable       FailureKind = "network_unavailable"
)

// Permanent 表示描述符本身有缺陷，立即丢弃，不重试。
func (k FailureKind) Permanent() bool {
	switch k {
	case KindMalformedDescriptor, KindUnsafePayload, KindUnsupportedProtocol, KindFieldMapping:
		return true
	}
	return false
}

// CountsAgainstDescriptor reports whether the failure is attributed to the
// descriptor and feeds the failure tracker.
func (k FailureKind) CountsAgainstDescriptor() bool {
	switch k {
	case KindProcessExitedImmediately, KindProbeTimeout, KindConnectFailure:
		return true
	}
	return false
}

// Fatal 表示整轮运行无法继续。
func (k FailureKind) Fatal() bool {
	return k == KindProcessSpawnFailure || k == KindNetworkUnavailable
}

// Error is a classified failure.
type Error struct {
	Kind FailureKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind FailureKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the FailureKind carried by err, or KindNone.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

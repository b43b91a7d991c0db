// Package apperrors defines the code-tagged error taxonomy shared by the
// backend client, router, session registry and update coordinator.
//
// Codes follow the shape area.entity.reason. Callers branch on the reason
// (IsNotFound, IsUnavailable, ...) or on the exact code (HasCode); the
// message is for humans only.
package apperrors

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeRouterToolUnsupported  Code = "router.tool.unsupported"
	CodeRouterFieldMissing     Code = "router.field.missing"
	CodeRouterFieldInvalid     Code = "router.field.invalid"
	CodeRouterFieldForbidden   Code = "router.field.forbidden"
	CodeRouterFieldUnknown     Code = "router.field.unknown"
	CodeRouterCatalogMismatch  Code = "router.catalog.mismatch"
	CodeBackendQueryNotFound   Code = "backend.query.not_found"
	CodeBackendDecodeFailure   Code = "backend.payload.decode_failure"
	CodeBackendUnavailable     Code = "backend.upstream.unavailable"
	CodeBackendRejected        Code = "backend.constraint.rejected"
	CodeBackendRecordNotFound  Code = "backend.record.not_found"
	CodeBackendInvalidResponse Code = "backend.response.invalid"
	CodeSessionNotFound        Code = "session.get.not_found"
	CodeSessionExpired         Code = "session.expired"
	CodeSessionCapacity        Code = "session.capacity.exceeded"
	CodeUpdateScalarFailure    Code = "update.scalar.failure"
	CodeUpdatePartial          Code = "update.embedding.partial"
	CodeEmbeddingFailure       Code = "embedding.provider.failure"
	CodeEmbeddingUnavailable   Code = "embedding.provider.unavailable"
	CodeJournalFailure         Code = "journal.store.failure"
	CodeConfigInvalid          Code = "config.value.invalid"
	CodeInternal               Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldQuery(value string) Attr {
	return Field("query", value)
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldKind(value string) Attr {
	return Field("memory_type", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

// Wrap attaches code and fields to err. When err already carries a code the
// result is re-coded: the new code wins and the previous one is kept as the
// cause_code field.
func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	if prev := CodeOf(err); prev != "" {
		fields = append(fields, Field("cause_code", string(prev)))
		for k, v := range FieldsOf(err) {
			fields = append(fields, Field(k, v))
		}
		return oops.Code(code).With(flatten(fields)...).New(fmt.Sprintf("%s: %s", msg, err.Error()))
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	if oopsErr.Code() == nil {
		return ""
	}
	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	return area(CodeOf(err)) == "router"
}

func IsUnavailable(err error) bool {
	r := reason(CodeOf(err))
	return r == "unavailable" || r == "timeout"
}

// IsRetryable reports whether the caller may safely re-issue the call.
// PartialUpdate is included because re-running an update converges.
func IsRetryable(err error) bool {
	return IsUnavailable(err) || HasCode(err, CodeUpdatePartial)
}

// IsDefect reports errors that indicate drift between router and backend
// catalogue rather than bad input or a flaky network.
func IsDefect(err error) bool {
	return HasCode(err, CodeBackendQueryNotFound) || HasCode(err, CodeBackendDecodeFailure)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}

func area(code Code) string {
	raw := string(code)
	if idx := strings.Index(raw, "."); idx > 0 {
		return raw[:idx]
	}
	return raw
}

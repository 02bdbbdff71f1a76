// Package apperr is the backend-agnostic error taxonomy shared by every
// layer. Errors carry a machine-readable Code of the form
// "area.subject.reason"; callers branch on the reason, never on the
// concrete error types of a storage backend or database driver.
package apperr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeImageNotFound  Code = "image.point.not_found"
	CodeImageDuplicate Code = "image.point.duplicate"

	CodeRequestInvalid     Code = "request.input.invalid"
	CodeRequestUnsupported Code = "request.media.unsupported"
	CodeRequestBasisDenied Code = "request.basis.invalid"
	CodeAuthUnauthorized   Code = "auth.token.unauthorized"

	CodeStorageLocalNotFound    Code = "storage.local.not_found"
	CodeStorageLocalExists      Code = "storage.local.exists"
	CodeStorageLocalPermission  Code = "storage.local.permission"
	CodeStorageRemoteNotFound   Code = "storage.remote.not_found"
	CodeStorageRemoteExists     Code = "storage.remote.exists"
	CodeStorageRemotePermission Code = "storage.remote.permission"
	CodeStorageRemoteConnect    Code = "storage.remote.connect"
	CodeStorageFailure          Code = "storage.io.failure"
	CodeStorageDisabled         Code = "storage.backend.disabled"

	CodeVectorDBTransport Code = "vectordb.transport.transient"
	CodeVectorDBFailure   Code = "vectordb.database.failure"

	CodeEmbeddingFailure Code = "embedding.provider.failure"
	CodeIngestClosed     Code = "ingest.queue.closed"
	CodeConfigInvalid    Code = "config.validate.invalid"
	CodeInternalFailure  Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldImageID(value any) Attr {
	return Field("image_id", fmt.Sprint(value))
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// With adds structured fields to an existing error chain, keeping its code.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	if code == "" {
		code = CodeInternalFailure
	}
	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	default:
		return Code(fmt.Sprintf("%v", code))
	}
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
	return err != nil && CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsDuplicate(err error) bool {
	return reason(CodeOf(err)) == "duplicate"
}

func IsInvalidInput(err error) bool {
	return reason(CodeOf(err)) == "invalid"
}

func IsUnsupported(err error) bool {
	return reason(CodeOf(err)) == "unsupported"
}

func IsTransient(err error) bool {
	return reason(CodeOf(err)) == "transient"
}

func IsStorage(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "storage.")
}

// HTTPStatus maps an error to the status code the HTTP layer reports.
// Storage errors on store paths are server faults even when their reason
// is "not_found", so the storage prefix is checked first.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsStorage(err):
		return http.StatusInternalServerError
	case IsNotFound(err):
		return http.StatusNotFound
	case IsDuplicate(err):
		return http.StatusConflict
	case IsUnsupported(err):
		return http.StatusUnsupportedMediaType
	case IsInvalidInput(err):
		return http.StatusUnprocessableEntity
	case reason(CodeOf(err)) == "unauthorized":
		return http.StatusUnauthorized
	case IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reason(code Code) string {
	if code == "" {
		return ""
	}
	parts := strings.Split(string(code), ".")
	return parts[len(parts)-1]
}

func flatten(fields []Attr) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

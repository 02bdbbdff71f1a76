package storage

import (
	"errors"
	"io/fs"

	"imagesearch/internal/apperr"

	"github.com/aws/smithy-go"
)

// side says whether a filesystem error concerns a caller-supplied local
// file or a path inside the store.
type side int

const (
	sideLocal side = iota
	sideRemote
)

func translateOS(err error, s side, op, p string) error {
	if err == nil {
		return nil
	}
	var code apperr.Code
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = pick(s, apperr.CodeStorageLocalNotFound, apperr.CodeStorageRemoteNotFound)
	case errors.Is(err, fs.ErrPermission):
		code = pick(s, apperr.CodeStorageLocalPermission, apperr.CodeStorageRemotePermission)
	case errors.Is(err, fs.ErrExist):
		code = pick(s, apperr.CodeStorageLocalExists, apperr.CodeStorageRemoteExists)
	default:
		code = apperr.CodeStorageFailure
	}
	return apperr.Wrap(err, code, "storage: "+op, apperr.FieldPath(p))
}

func translateS3(err error, op, p string) error {
	if err == nil {
		return nil
	}
	code := apperr.CodeStorageRemoteConnect
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			code = apperr.CodeStorageRemoteNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			code = apperr.CodeStorageRemotePermission
		case "PreconditionFailed", "ObjectAlreadyExists", "BucketAlreadyExists":
			code = apperr.CodeStorageRemoteExists
		default:
			code = apperr.CodeStorageFailure
		}
	}
	return apperr.Wrap(err, code, "storage: "+op, apperr.FieldPath(p))
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func pick(s side, local, remote apperr.Code) apperr.Code {
	if s == sideLocal {
		return local
	}
	return remote
}

// IsLocalFileNotFound reports a missing caller-supplied local file.
func IsLocalFileNotFound(err error) bool {
	return apperr.HasCode(err, apperr.CodeStorageLocalNotFound)
}

// IsRemoteFileNotFound reports a missing file inside the store.
func IsRemoteFileNotFound(err error) bool {
	return apperr.HasCode(err, apperr.CodeStorageRemoteNotFound)
}

func IsRemoteFilePermission(err error) bool {
	return apperr.HasCode(err, apperr.CodeStorageRemotePermission)
}

func IsRemoteFileExists(err error) bool {
	return apperr.HasCode(err, apperr.CodeStorageRemoteExists)
}

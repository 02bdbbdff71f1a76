package storage

import (
	"context"
	"time"

	"imagesearch/internal/apperr"
)

// Disabled is the backend used when the service hosts no files.
type Disabled struct{}

var _ Storage = Disabled{}

func NewDisabled() Disabled { return Disabled{} }

func (Disabled) Kind() Kind { return KindDisabled }

func disabled(op string) error {
	return apperr.New(apperr.CodeStorageDisabled, "storage: "+op+": storage is disabled")
}

func (Disabled) Exists(context.Context, string) (bool, error) { return false, disabled("exists") }
func (Disabled) Size(context.Context, string) (int64, error)  { return 0, disabled("size") }
func (Disabled) URL(context.Context, string) (string, error)  { return "", disabled("url") }
func (Disabled) PresignURL(context.Context, string, time.Duration) (string, error) {
	return "", disabled("presign")
}
func (Disabled) Fetch(context.Context, string) ([]byte, error)       { return nil, disabled("fetch") }
func (Disabled) Upload(context.Context, []byte, string) error        { return disabled("upload") }
func (Disabled) UploadFile(context.Context, string, string) error    { return disabled("upload") }
func (Disabled) Copy(context.Context, string, string) error          { return disabled("copy") }
func (Disabled) Move(context.Context, string, string) error          { return disabled("move") }
func (Disabled) Delete(context.Context, string) error                { return disabled("delete") }
func (Disabled) List(context.Context, string, string, int, []string, func([]string) error) error {
	return disabled("list")
}

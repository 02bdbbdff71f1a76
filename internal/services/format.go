package services

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"imagesearch/internal/apperr"

	_ "golang.org/x/image/webp"
)

var mimeFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

var extFormats = map[string]string{
	".jpg":  "jpg",
	".jpeg": "jpeg",
	".jfif": "jfif",
	".png":  "png",
	".webp": "webp",
	".gif":  "gif",
}

// ImageFormat picks the stored format of an upload from its content type,
// falling back to the file extension. Anything else is unsupported media.
func ImageFormat(contentType, filename string) (string, error) {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	if f, ok := mimeFormats[strings.TrimSpace(ct)]; ok {
		return f, nil
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(filename))]; ok {
		return f, nil
	}
	return "", apperr.New(apperr.CodeRequestUnsupported, "unsupported image format",
		apperr.Field("content_type", contentType), apperr.Field("filename", filename))
}

// CheckImage decodes only the image header.
func CheckImage(data []byte) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return apperr.Wrap(err, apperr.CodeRequestInvalid, "not a valid image")
	}
	return nil
}

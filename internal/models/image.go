package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImageRecord is the canonical indexed image. Vectors are write-only: they
// go to the vector store's named slots and never travel through the JSON
// encodings below.
type ImageRecord struct {
	ID             uuid.UUID `json:"id"`
	URL            string    `json:"url"`
	ThumbnailURL   string    `json:"thumbnailUrl,omitempty"`
	OCRText        *string   `json:"ocrText"`
	ImageVector    []float32 `json:"-"`
	OCRVector      []float32 `json:"-"`
	IndexDate      time.Time `json:"indexDate"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	AspectRatio    float64   `json:"aspectRatio,omitempty"`
	Starred        bool      `json:"starred"`
	Categories     []string  `json:"categories"`
	Local          bool      `json:"local"`
	LocalThumbnail bool      `json:"localThumbnail"`
	Format         string    `json:"format,omitempty"`
	Comments       string    `json:"comments,omitempty"`
}

// OCRTextLower is the case-folded OCR text used for substring filters.
func (r *ImageRecord) OCRTextLower() *string {
	if r.OCRText == nil {
		return nil
	}
	lower := strings.ToLower(*r.OCRText)
	return &lower
}

// SetOCRText stores text, normalising empty or whitespace-only input to
// "no OCR text".
func (r *ImageRecord) SetOCRText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		r.OCRText = nil
		return
	}
	r.OCRText = &text
}

// SetDimensions records the pixel size and the derived aspect ratio.
func (r *ImageRecord) SetDimensions(width, height int) {
	r.Width = width
	r.Height = height
	if height > 0 {
		r.AspectRatio = float64(width) / float64(height)
	}
}

// FileName is the storage path of the original, "{id}.{format}".
func (r *ImageRecord) FileName() string {
	return fmt.Sprintf("%s.%s", r.ID, r.Format)
}

// ThumbnailPath is the storage path of the generated thumbnail.
func ThumbnailPath(id uuid.UUID) string {
	return fmt.Sprintf("thumbnails/%s.webp", id)
}

// imagePayload mirrors ImageRecord in the vector store. The store has no
// datetime type, so index_date is an ISO-8601 string.
type imagePayload struct {
	URL            string   `json:"url"`
	ThumbnailURL   *string  `json:"thumbnail_url"`
	OCRText        *string  `json:"ocr_text"`
	OCRTextLower   *string  `json:"ocr_text_lower"`
	IndexDate      string   `json:"index_date"`
	Width          *int     `json:"width"`
	Height         *int     `json:"height"`
	AspectRatio    *float64 `json:"aspect_ratio"`
	Starred        bool     `json:"starred"`
	Categories     []string `json:"categories"`
	Local          bool     `json:"local"`
	LocalThumbnail bool     `json:"local_thumbnail"`
	Format         *string  `json:"format"`
	Comments       *string  `json:"comments"`
}

// Payload encodes the record for the vector store. Numeric fields are
// float64 and arrays are []any, matching what a JSON round trip yields.
func (r *ImageRecord) Payload() map[string]any {
	p := imagePayload{
		URL:            r.URL,
		ThumbnailURL:   optional(r.ThumbnailURL),
		OCRText:        r.OCRText,
		OCRTextLower:   r.OCRTextLower(),
		IndexDate:      r.IndexDate.UTC().Format(time.RFC3339Nano),
		Starred:        r.Starred,
		Categories:     r.Categories,
		Local:          r.Local,
		LocalThumbnail: r.LocalThumbnail,
		Format:         optional(r.Format),
		Comments:       optional(r.Comments),
	}
	if p.Categories == nil {
		p.Categories = []string{}
	}
	if r.Width > 0 || r.Height > 0 {
		p.Width, p.Height, p.AspectRatio = &r.Width, &r.Height, &r.AspectRatio
	}

	raw, err := json.Marshal(p)
	if err != nil {
		// imagePayload only holds JSON-safe types.
		panic(err)
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// RecordFromPayload rebuilds a record from its stored payload.
func RecordFromPayload(id uuid.UUID, payload map[string]any) (ImageRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	var p imagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ImageRecord{}, fmt.Errorf("decode payload of %s: %w", id, err)
	}

	rec := ImageRecord{
		ID:             id,
		URL:            p.URL,
		OCRText:        p.OCRText,
		Starred:        p.Starred,
		Categories:     p.Categories,
		Local:          p.Local,
		LocalThumbnail: p.LocalThumbnail,
	}
	if rec.Categories == nil {
		rec.Categories = []string{}
	}
	if p.ThumbnailURL != nil {
		rec.ThumbnailURL = *p.ThumbnailURL
	}
	if p.Format != nil {
		rec.Format = *p.Format
	}
	if p.Comments != nil {
		rec.Comments = *p.Comments
	}
	if p.Width != nil {
		rec.Width = *p.Width
	}
	if p.Height != nil {
		rec.Height = *p.Height
	}
	if p.AspectRatio != nil {
		rec.AspectRatio = *p.AspectRatio
	}
	if p.IndexDate != "" {
		rec.IndexDate, err = time.Parse(time.RFC3339Nano, p.IndexDate)
		if err != nil {
			return ImageRecord{}, fmt.Errorf("parse index_date of %s: %w", id, err)
		}
	}
	return rec, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

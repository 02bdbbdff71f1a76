package services

import (
	"bytes"
	"context"
	"log/slog"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const maintenanceBatch = 100

// BackfillThumbnails renders thumbnails for locally stored images that
// have none and whose original exceeds the thumbnail threshold. It returns
// the number of thumbnails written.
func (p *ImageProcessor) BackfillThumbnails(ctx context.Context) (int, error) {
	filter := &vectordb.Filter{
		Must:    []vectordb.Condition{vectordb.Match("local", true)},
		MustNot: []vectordb.Condition{vectordb.Match("local_thumbnail", true)},
	}

	written := 0
	var offset *uuid.UUID
	for {
		points, next, err := p.store.Scroll(ctx, filter, maintenanceBatch, offset)
		if err != nil {
			return written, err
		}
		for _, pt := range points {
			ok, err := p.backfillOne(ctx, pt)
			if err != nil {
				slog.Warn("thumbnail backfill failed", "image_id", pt.ID, "error", err)
				continue
			}
			if ok {
				written++
			}
		}
		if next == nil {
			return written, nil
		}
		offset = next
	}
}

func (p *ImageProcessor) backfillOne(ctx context.Context, pt vectordb.Point) (bool, error) {
	rec, err := models.RecordFromPayload(pt.ID, pt.Payload)
	if err != nil {
		return false, err
	}
	size, err := p.storage.Size(ctx, rec.FileName())
	if err != nil {
		return false, err
	}
	if size <= p.cfg.ThumbnailThreshold {
		return false, nil
	}

	data, err := p.storage.Fetch(ctx, rec.FileName())
	if err != nil {
		return false, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeRequestInvalid, "decode original", apperr.FieldImageID(rec.ID))
	}
	thumb, err := RenderThumbnail(img, p.cfg.ThumbnailSize)
	if err != nil {
		return false, err
	}

	thumbPath := models.ThumbnailPath(rec.ID)
	if err := p.storage.Upload(ctx, thumb, thumbPath); err != nil {
		return false, err
	}
	url, err := p.storage.URL(ctx, thumbPath)
	if err != nil {
		return false, err
	}
	if err := p.store.SetPayload(ctx, rec.ID, map[string]any{
		"thumbnail_url":   url,
		"local_thumbnail": true,
	}); err != nil {
		return false, err
	}
	slog.Info("thumbnail generated", "image_id", rec.ID, "size", size)
	return true, nil
}

// IndexReport summarises an IndexDirectory run.
type IndexReport struct {
	Admitted   int
	Duplicates int
	Failed     int
}

// IndexDirectory admits every image under src matching pattern as a
// locally stored image. Duplicates are skipped; unreadable or unsupported
// files are counted as failed.
func (p *ImageProcessor) IndexDirectory(ctx context.Context, src storage.Storage, pattern string, draft Draft, opts UploadOptions) (IndexReport, error) {
	var report IndexReport
	draft.Local = true

	err := src.List(ctx, "", pattern, maintenanceBatch, nil, func(batch []string) error {
		for _, file := range batch {
			if err := p.indexFile(ctx, src, file, draft, opts); err != nil {
				if apperr.IsDuplicate(err) {
					report.Duplicates++
					slog.Debug("skipping duplicate", "path", file)
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				report.Failed++
				slog.Warn("failed to admit image", "path", file, "error", err)
				continue
			}
			report.Admitted++
		}
		slog.Info("directory batch admitted", "files", len(batch), "admitted", report.Admitted)
		return nil
	})
	return report, err
}

func (p *ImageProcessor) indexFile(ctx context.Context, src storage.Storage, file string, draft Draft, opts UploadOptions) error {
	format, err := ImageFormat("", file)
	if err != nil {
		return err
	}
	data, err := src.Fetch(ctx, file)
	if err != nil {
		return err
	}
	draft.Format = format
	_, err = p.Admit(ctx, data, draft, opts)
	return err
}

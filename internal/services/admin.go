package services

import (
	"context"
	"log/slog"
	"path"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/storage"

	"github.com/google/uuid"
)

func (p *ImageProcessor) record(ctx context.Context, id uuid.UUID) (models.ImageRecord, error) {
	points, err := p.store.Retrieve(ctx, []uuid.UUID{id}, false)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if len(points) == 0 {
		return models.ImageRecord{}, apperr.New(apperr.CodeImageNotFound, "image not found", apperr.FieldImageID(id))
	}
	rec, err := models.RecordFromPayload(id, points[0].Payload)
	if err != nil {
		return models.ImageRecord{}, apperr.Wrap(err, apperr.CodeVectorDBFailure, "decode payload", apperr.FieldImageID(id))
	}
	return rec, nil
}

// Delete removes the point. A locally stored original is moved under
// _deleted/ and a local thumbnail is removed.
func (p *ImageProcessor) Delete(ctx context.Context, id uuid.UUID) error {
	rec, err := p.record(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, []uuid.UUID{id}); err != nil {
		return err
	}
	slog.Info("image deleted", "image_id", id)

	if p.storage.Kind() == storage.KindDisabled {
		return nil
	}
	if rec.Local {
		if err := p.softDeleteOriginal(ctx, id); err != nil {
			return err
		}
	}
	if rec.LocalThumbnail {
		thumb := models.ThumbnailPath(id)
		ok, err := p.storage.Exists(ctx, thumb)
		if err != nil {
			return err
		}
		if !ok {
			slog.Warn("thumbnail missing on delete", "image_id", id, "path", thumb)
			return nil
		}
		if err := p.storage.Delete(ctx, thumb); err != nil {
			return err
		}
	}
	return nil
}

// softDeleteOriginal matches "{id}.*" in the storage root only, so
// thumbnails and earlier tombstones are never picked up.
func (p *ImageProcessor) softDeleteOriginal(ctx context.Context, id uuid.UUID) error {
	var files []string
	err := p.storage.List(ctx, "", id.String()+".*", 0, nil, func(batch []string) error {
		files = append(files, batch...)
		return nil
	})
	if err != nil {
		return err
	}
	if len(files) == 0 {
		slog.Warn("original missing on delete", "image_id", id)
		return nil
	}
	for _, f := range files {
		dst := path.Join(storage.DeletedDir, path.Base(f))
		if err := p.storage.Move(ctx, f, dst); err != nil {
			return err
		}
		slog.Info("original moved", "image_id", id, "from", f, "to", dst)
	}
	return nil
}

// UpdateOptional applies an admin edit. URLs of locally hosted files are
// derived from storage and cannot be overwritten.
func (p *ImageProcessor) UpdateOptional(ctx context.Context, id uuid.UUID, update models.OptionalUpdate) error {
	if update.Empty() {
		return apperr.New(apperr.CodeRequestInvalid, "no field to update", apperr.FieldImageID(id))
	}
	rec, err := p.record(ctx, id)
	if err != nil {
		return err
	}
	if update.URL != nil && rec.Local {
		return apperr.New(apperr.CodeRequestInvalid, "cannot change the url of a locally stored image", apperr.FieldImageID(id))
	}
	if update.ThumbnailURL != nil && rec.LocalThumbnail {
		return apperr.New(apperr.CodeRequestInvalid, "cannot change the thumbnail url of a locally stored thumbnail", apperr.FieldImageID(id))
	}
	if err := p.store.SetPayload(ctx, id, update.Payload()); err != nil {
		return err
	}
	slog.Info("image updated", "image_id", id)
	return nil
}

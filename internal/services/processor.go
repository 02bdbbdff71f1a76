package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// gcEvery is how many completed items pass between forced releases of
// freed memory back to the OS.
const gcEvery = 50

// ImageJob is one admitted image waiting for the worker.
type ImageJob struct {
	Record    models.ImageRecord
	Data      []byte
	SkipOCR   bool
	Thumbnail models.ThumbnailPolicy
}

// OnComplete is called by the worker after an image has been indexed.
type OnComplete func(rec models.ImageRecord)

// Draft is the caller-supplied part of a new record.
type Draft struct {
	URL          string
	ThumbnailURL string
	Categories   []string
	Starred      bool
	Local        bool
	Comments     string
	Format       string
}

type UploadOptions struct {
	SkipOCR   bool
	Thumbnail models.ThumbnailPolicy
}

type ProcessorConfig struct {
	Capacity           int
	OCREnabled         bool
	MinConfidence      float64
	ThumbnailThreshold int64
	ThumbnailSize      int
}

// ImageProcessor admits images into a bounded queue and indexes them one
// at a time on a single worker goroutine.
type ImageProcessor struct {
	jobs       chan ImageJob
	wg         sync.WaitGroup
	store      vectordb.Store
	storage    storage.Storage
	embedder   EmbeddingProvider
	cfg        ProcessorConfig
	onComplete OnComplete

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	processed atomic.Int64

	closeMu sync.RWMutex
	closed  bool
	once    sync.Once
}

func NewImageProcessor(store vectordb.Store, st storage.Storage, embedder EmbeddingProvider, cfg ProcessorConfig, onComplete OnComplete) *ImageProcessor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 200
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 256
	}
	p := &ImageProcessor{
		jobs:       make(chan ImageJob, cfg.Capacity),
		store:      store,
		storage:    st,
		embedder:   embedder,
		cfg:        cfg,
		onComplete: onComplete,
		inFlight:   make(map[uuid.UUID]struct{}),
	}

	p.wg.Add(1)
	go p.worker()
	return p
}

// Admit validates data, reserves its id and queues it. It blocks while the
// queue is full, until ctx is done.
func (p *ImageProcessor) Admit(ctx context.Context, data []byte, draft Draft, opts UploadOptions) (uuid.UUID, error) {
	if err := CheckImage(data); err != nil {
		return uuid.Nil, err
	}
	if draft.Local && p.storage.Kind() == storage.KindDisabled {
		return uuid.Nil, apperr.New(apperr.CodeRequestInvalid, "local storage is disabled")
	}
	if !draft.Local && draft.URL == "" {
		return uuid.Nil, apperr.New(apperr.CodeRequestInvalid, "url is required for images not stored locally")
	}
	if opts.Thumbnail == "" {
		opts.Thumbnail = models.ThumbnailIfNecessary
	}

	id := models.GenerateID(data)
	if err := p.reserve(ctx, id); err != nil {
		return uuid.Nil, err
	}

	rec := models.ImageRecord{
		ID:           id,
		URL:          draft.URL,
		ThumbnailURL: draft.ThumbnailURL,
		Categories:   draft.Categories,
		Starred:      draft.Starred,
		Local:        draft.Local,
		Comments:     draft.Comments,
		Format:       draft.Format,
		IndexDate:    time.Now().UTC(),
	}
	if rec.Categories == nil {
		rec.Categories = []string{}
	}

	if err := p.enqueue(ctx, ImageJob{Record: rec, Data: data, SkipOCR: opts.SkipOCR, Thumbnail: opts.Thumbnail}); err != nil {
		p.release(id)
		return uuid.Nil, err
	}
	slog.Info("image queued", "image_id", id, "queue_length", p.QueueLength())
	return id, nil
}

// reserve claims id in the in-flight set, then checks the store. The claim
// comes first so two concurrent admissions of the same bytes cannot both
// pass the store check.
func (p *ImageProcessor) reserve(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	if _, ok := p.inFlight[id]; ok {
		p.mu.Unlock()
		return duplicate(id)
	}
	p.inFlight[id] = struct{}{}
	p.mu.Unlock()

	found, err := p.store.ValidateIDs(ctx, []uuid.UUID{id})
	if err != nil {
		p.release(id)
		return err
	}
	if len(found) > 0 {
		p.release(id)
		return duplicate(id)
	}
	return nil
}

func duplicate(id uuid.UUID) error {
	return apperr.New(apperr.CodeImageDuplicate, "image already exists", apperr.FieldImageID(id))
}

func (p *ImageProcessor) enqueue(ctx context.Context, job ImageJob) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return apperr.New(apperr.CodeIngestClosed, "processor is shut down")
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ImageProcessor) release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// Validation is the duplicate status of one content hash.
type Validation struct {
	Exists   bool       `json:"exists"`
	EntityID *uuid.UUID `json:"entityId"`
}

// Validate reports, per SHA1 hex hash, whether its image is indexed or in
// flight.
func (p *ImageProcessor) Validate(ctx context.Context, hashes []string) ([]Validation, error) {
	ids := make([]uuid.UUID, len(hashes))
	for i, h := range hashes {
		if !models.ValidHash(h) {
			return nil, apperr.New(apperr.CodeRequestInvalid, "invalid sha1 hash", apperr.Field("hash", h))
		}
		ids[i] = models.IDFromHash(h)
	}

	// In-flight ids are read before the store: an item released in between
	// has already been upserted.
	exists := make(map[uuid.UUID]bool, len(ids))
	p.mu.Lock()
	for _, id := range ids {
		if _, ok := p.inFlight[id]; ok {
			exists[id] = true
		}
	}
	p.mu.Unlock()

	found, err := p.store.ValidateIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		exists[id] = true
	}

	out := make([]Validation, len(ids))
	for i, id := range ids {
		if exists[id] {
			out[i] = Validation{Exists: true, EntityID: &id}
		}
	}
	return out, nil
}

// QueueLength is the number of admitted images not yet picked up.
func (p *ImageProcessor) QueueLength() int {
	return len(p.jobs)
}

// InFlight reports whether id is queued or being processed.
func (p *ImageProcessor) InFlight(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// Processed counts finished items, successful or not.
func (p *ImageProcessor) Processed() int64 {
	return p.processed.Load()
}

func (p *ImageProcessor) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		p.handle(job)
	}
}

func (p *ImageProcessor) handle(job ImageJob) {
	id := job.Record.ID
	defer func() {
		if r := recover(); r != nil {
			slog.Error("image indexing panicked", "image_id", id, "panic", r)
		}
		p.release(id)
		if n := p.processed.Add(1); n%gcEvery == 0 {
			debug.FreeOSMemory()
		}
	}()

	start := time.Now()
	rec, err := p.processJob(context.Background(), job)
	if err != nil {
		slog.Error("image indexing failed", "image_id", id, "error", err)
		return
	}
	slog.Info("image indexed", "image_id", id, "duration", time.Since(start))

	if p.onComplete != nil {
		p.onComplete(rec)
	}
}

func (p *ImageProcessor) processJob(ctx context.Context, job ImageJob) (models.ImageRecord, error) {
	rec := job.Record

	img, err := imaging.Decode(bytes.NewReader(job.Data), imaging.AutoOrientation(true))
	if err != nil {
		return rec, fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	rec.SetDimensions(b.Dx(), b.Dy())

	imageVector, err := p.embedder.ImageVector(ctx, img)
	if err != nil {
		return rec, fmt.Errorf("image vector: %w", err)
	}
	vectors := map[string][]float32{models.BasisVision.VectorName(): imageVector}

	if p.cfg.OCREnabled && !job.SkipOCR {
		text, confidence, err := p.embedder.OCRText(ctx, img)
		if err != nil {
			return rec, fmt.Errorf("ocr: %w", err)
		}
		if confidence < p.cfg.MinConfidence {
			text = ""
		}
		rec.SetOCRText(text)
		if rec.OCRText != nil {
			ocrVector, err := p.embedder.OCRTextVector(ctx, *rec.OCRText)
			if err != nil {
				return rec, fmt.Errorf("ocr vector: %w", err)
			}
			vectors[models.BasisOCR.VectorName()] = ocrVector
		}
	}

	if rec.Local {
		if rec.URL, err = p.storage.URL(ctx, rec.FileName()); err != nil {
			return rec, fmt.Errorf("resolve url: %w", err)
		}
	}

	var thumb []byte
	if p.wantsThumbnail(job) {
		if thumb, err = RenderThumbnail(img, p.cfg.ThumbnailSize); err != nil {
			return rec, fmt.Errorf("thumbnail: %w", err)
		}
		if rec.ThumbnailURL, err = p.storage.URL(ctx, models.ThumbnailPath(rec.ID)); err != nil {
			return rec, fmt.Errorf("resolve thumbnail url: %w", err)
		}
		rec.LocalThumbnail = true
	}

	if err := p.store.Upsert(ctx, []vectordb.Point{{ID: rec.ID, Vectors: vectors, Payload: rec.Payload()}}); err != nil {
		return rec, fmt.Errorf("upsert: %w", err)
	}

	if rec.Local {
		if err := p.storage.Upload(ctx, job.Data, rec.FileName()); err != nil {
			return rec, fmt.Errorf("upload original: %w", err)
		}
	}
	if thumb != nil {
		if err := p.storage.Upload(ctx, thumb, models.ThumbnailPath(rec.ID)); err != nil {
			return rec, fmt.Errorf("upload thumbnail: %w", err)
		}
	}

	return rec, nil
}

func (p *ImageProcessor) wantsThumbnail(job ImageJob) bool {
	if p.storage.Kind() == storage.KindDisabled {
		return false
	}
	switch job.Thumbnail {
	case models.ThumbnailAlways:
		return true
	case models.ThumbnailNever:
		return false
	default:
		return int64(len(job.Data)) > p.cfg.ThumbnailThreshold
	}
}

// RenderThumbnail scales img to fit a size x size box and encodes it as
// WebP.
func RenderThumbnail(img image.Image, size int) ([]byte, error) {
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, thumb, &webp.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// Shutdown stops admissions and blocks until every queued image has been
// processed.
func (p *ImageProcessor) Shutdown() {
	p.once.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		close(p.jobs)
		p.closeMu.Unlock()
		p.wg.Wait()
	})
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"imagesearch/internal/config"
	"imagesearch/internal/models"
	"imagesearch/internal/services"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"
	"imagesearch/internal/ws"

	"github.com/jackc/pgx/v5/pgxpool"
)

// app holds the process-wide collaborators. Every handler and the worker
// get them from here.
type app struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	store     vectordb.Store
	storage   storage.Storage
	clip      *services.CLIPService
	provider  services.EmbeddingProvider
	engine    *services.SearchEngine
	processor *services.ImageProcessor
	hub       *ws.Hub
}

type wireOptions struct {
	// models loads the embedding models; maintenance without ingestion
	// can skip them.
	models bool
	hub    bool
}

func openStore(ctx context.Context, cfg *config.Config) (vectordb.Store, *pgxpool.Pool, error) {
	vectors := []string{models.BasisVision.VectorName(), models.BasisOCR.VectorName()}
	if cfg.VectorDB.DSN == "" {
		slog.Warn("vectordb.dsn is empty, using the in-memory vector store")
		return vectordb.NewMemory(vectors...), nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.VectorDB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}
	pg := vectordb.NewPostgres(pool, vectordb.Schema{
		Table:     cfg.VectorDB.Table,
		Dimension: cfg.VectorDB.Dimension,
		Vectors:   vectors,
	})
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return vectordb.NewRetrying(pg, cfg.VectorDB.Retries, cfg.VectorDB.RetryDelay), pool, nil
}

func newProvider(cfg *config.Config) (*services.CLIPService, services.EmbeddingProvider, error) {
	clip, err := services.NewCLIPService(cfg.Model.CLIP)
	if err != nil {
		return nil, nil, fmt.Errorf("clip: %w", err)
	}
	provider := &services.Provider{Vision: clip}
	if cfg.OpenAI.APIKey != "" {
		if cfg.OCR.Enabled {
			provider.OCR = services.NewOpenAIOCR(cfg.OpenAI, cfg.OCR.Model)
		}
		provider.Text = services.NewOpenAITextEmbedder(cfg.OpenAI)
	} else if cfg.OCR.Enabled {
		slog.Warn("openai.api_key is empty, OCR text extraction is off")
	}
	return clip, provider, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts wireOptions) (*app, error) {
	a := &app{cfg: cfg}

	st, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.storage = st

	if a.store, a.pool, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if opts.models {
		if a.clip, a.provider, err = newProvider(cfg); err != nil {
			a.close()
			return nil, err
		}
	}

	var onComplete services.OnComplete
	if opts.hub {
		a.hub = ws.NewHub()
		go a.hub.Run()
		onComplete = func(rec models.ImageRecord) {
			a.hub.Broadcast(ws.IndexedMessage(rec))
		}
	}

	a.engine = services.NewSearchEngine(a.store, a.provider, st, services.SearchOptions{
		PresignTTL: cfg.Search.PresignTTL,
		OCREnabled: cfg.OCRSearchEnabled(),
		Dimension:  cfg.VectorDB.Dimension,
	})
	a.processor = services.NewImageProcessor(a.store, st, a.provider, services.ProcessorConfig{
		Capacity:           cfg.Queue.Capacity,
		OCREnabled:         cfg.OCR.Enabled,
		MinConfidence:      cfg.OCR.MinConfidence,
		ThumbnailThreshold: cfg.Thumbnail.ThresholdBytes,
		ThumbnailSize:      cfg.Thumbnail.Size,
	}, onComplete)
	return a, nil
}

// close drains the pipeline first so queued images still reach the store.
func (a *app) close() {
	if a.processor != nil {
		a.processor.Shutdown()
	}
	if a.hub != nil {
		a.hub.Shutdown()
	}
	if a.clip != nil {
		a.clip.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

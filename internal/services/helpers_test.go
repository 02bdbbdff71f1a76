package services_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"imagesearch/internal/models"
	"imagesearch/internal/services"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	visionSlot = models.BasisVision.VectorName()
	ocrSlot    = models.BasisOCR.VectorName()
)

// fakeProvider embeds images as their [width, height] and text through
// fixed lookup tables.
type fakeProvider struct {
	mu        sync.Mutex
	started   chan struct{}
	gate      chan struct{}
	failWidth int
	ocrText   string
	ocrConf   float64
	ocrCalls  int
	text      map[string][]float32
	ocr       map[string][]float32
}

var _ services.EmbeddingProvider = (*fakeProvider)(nil)

func (f *fakeProvider) ImageVector(_ context.Context, img image.Image) ([]float32, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	b := img.Bounds()
	if f.failWidth != 0 && b.Dx() == f.failWidth {
		return nil, errors.New("embedding exploded")
	}
	return []float32{float32(b.Dx()), float32(b.Dy())}, nil
}

func (f *fakeProvider) TextVector(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.text[text]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func (f *fakeProvider) OCRTextVector(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.ocr[text]; ok {
		return v, nil
	}
	return []float32{0, 1}, nil
}

func (f *fakeProvider) OCRText(context.Context, image.Image) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ocrCalls++
	return f.ocrText, f.ocrConf, nil
}

func (f *fakeProvider) ocrCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ocrCalls
}

// pngBytes renders a w x h PNG; distinct sizes give distinct content.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: uint8(w), G: uint8(h), B: 128, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

type harness struct {
	store     *vectordb.Memory
	storage   *storage.Local
	provider  *fakeProvider
	processor *services.ImageProcessor

	mu        sync.Mutex
	completed []models.ImageRecord
}

func newHarness(t *testing.T, provider *fakeProvider, cfg services.ProcessorConfig) *harness {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, local.PreCheck())

	h := &harness{
		store:    vectordb.NewMemory(visionSlot, ocrSlot),
		storage:  local,
		provider: provider,
	}
	h.processor = services.NewImageProcessor(h.store, local, provider, cfg, func(rec models.ImageRecord) {
		h.mu.Lock()
		h.completed = append(h.completed, rec)
		h.mu.Unlock()
	})
	t.Cleanup(h.processor.Shutdown)
	return h
}

func (h *harness) waitProcessed(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.processor.Processed() >= n }, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) point(t *testing.T, id uuid.UUID) vectordb.Point {
	t.Helper()
	points, err := h.store.Retrieve(context.Background(), []uuid.UUID{id}, true)
	require.NoError(t, err)
	require.Len(t, points, 1)
	return points[0]
}

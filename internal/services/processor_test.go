package services_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"imagesearch/internal/apperr"
	"imagesearch/internal/models"
	"imagesearch/internal/services"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestAdmitIndexesLocalImage(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{ThumbnailThreshold: 500 * 1024})
	data := pngBytes(t, 40, 20)

	id, err := h.processor.Admit(context.Background(), data, services.Draft{
		Local: true, Format: "png", Categories: []string{"cat"}, Starred: true,
	}, services.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.GenerateID(data), id)

	h.waitProcessed(t, 1)
	pt := h.point(t, id)
	assert.Equal(t, []float32{40, 20}, pt.Vectors[visionSlot])
	assert.Equal(t, float64(40), pt.Payload["width"])
	assert.Equal(t, float64(20), pt.Payload["height"])
	assert.Equal(t, 2.0, pt.Payload["aspect_ratio"])
	assert.Equal(t, "/static/"+id.String()+".png", pt.Payload["url"])
	assert.Equal(t, true, pt.Payload["starred"])
	assert.Equal(t, false, pt.Payload["local_thumbnail"], "small images get no thumbnail")

	exists, err := h.storage.Exists(context.Background(), id.String()+".png")
	require.NoError(t, err)
	assert.True(t, exists)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.completed, 1)
	assert.Equal(t, id, h.completed[0].ID)
}

func TestAdmitRejectsDuplicates(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &fakeProvider{gate: gate}, services.ProcessorConfig{})
	ctx := context.Background()
	data := pngBytes(t, 10, 10)
	draft := services.Draft{Local: true, Format: "png"}

	id, err := h.processor.Admit(ctx, data, draft, services.UploadOptions{})
	require.NoError(t, err)

	_, err = h.processor.Admit(ctx, data, draft, services.UploadOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsDuplicate(err), "in flight")
	assert.Equal(t, id.String(), apperr.FieldsOf(err)["image_id"])

	validation, err := h.processor.Validate(ctx, []string{sha1Hex(data), sha1Hex([]byte("other"))})
	require.NoError(t, err)
	require.Len(t, validation, 2)
	assert.True(t, validation[0].Exists)
	assert.Equal(t, id, *validation[0].EntityID)
	assert.False(t, validation[1].Exists)
	assert.Nil(t, validation[1].EntityID)

	close(gate)
	h.waitProcessed(t, 1)

	_, err = h.processor.Admit(ctx, data, draft, services.UploadOptions{})
	assert.True(t, apperr.IsDuplicate(err), "persisted")
	assert.False(t, h.processor.InFlight(id))
}

func TestAdmitConcurrentDuplicatesAdmitOnce(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{})
	data := pngBytes(t, 12, 12)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, duplicates := 0, 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.processor.Admit(context.Background(), data, services.Draft{Local: true, Format: "png"}, services.UploadOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if apperr.IsDuplicate(err) {
				duplicates++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 7, duplicates)
}

func TestAdmitBlocksWhenQueueIsFull(t *testing.T) {
	started := make(chan struct{}, 10)
	gate := make(chan struct{})
	h := newHarness(t, &fakeProvider{started: started, gate: gate}, services.ProcessorConfig{Capacity: 1})
	ctx := context.Background()
	draft := services.Draft{Local: true, Format: "png"}

	_, err := h.processor.Admit(ctx, pngBytes(t, 1, 1), draft, services.UploadOptions{})
	require.NoError(t, err)
	<-started // the worker holds the first image

	_, err = h.processor.Admit(ctx, pngBytes(t, 2, 2), draft, services.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.processor.QueueLength())

	done := make(chan error, 1)
	go func() {
		_, err := h.processor.Admit(ctx, pngBytes(t, 3, 3), draft, services.UploadOptions{})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("admission completed while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admission did not resume after the worker dequeued")
	}
	h.waitProcessed(t, 3)
	assert.Equal(t, 0, h.processor.QueueLength())
}

func TestAdmitCancelledWhileBlockedReleasesID(t *testing.T) {
	started := make(chan struct{}, 10)
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, &fakeProvider{started: started, gate: gate}, services.ProcessorConfig{Capacity: 1})
	draft := services.Draft{Local: true, Format: "png"}

	_, err := h.processor.Admit(context.Background(), pngBytes(t, 1, 1), draft, services.UploadOptions{})
	require.NoError(t, err)
	<-started
	_, err = h.processor.Admit(context.Background(), pngBytes(t, 2, 2), draft, services.UploadOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	blocked := pngBytes(t, 3, 3)
	_, err = h.processor.Admit(ctx, blocked, draft, services.UploadOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.processor.InFlight(models.GenerateID(blocked)))
}

func TestAdmitValidatesInput(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{})
	ctx := context.Background()

	_, err := h.processor.Admit(ctx, []byte("not an image"), services.Draft{Local: true}, services.UploadOptions{})
	assert.True(t, apperr.IsInvalidInput(err))

	_, err = h.processor.Admit(ctx, pngBytes(t, 5, 5), services.Draft{Local: false}, services.UploadOptions{})
	assert.True(t, apperr.IsInvalidInput(err), "remote image without url")

	_, err = h.processor.Validate(ctx, []string{"xyz"})
	assert.True(t, apperr.IsInvalidInput(err))
}

func TestAdmitLocalRejectedWhenStorageDisabled(t *testing.T) {
	p := services.NewImageProcessor(vectordb.NewMemory(visionSlot, ocrSlot), storage.NewDisabled(), &fakeProvider{}, services.ProcessorConfig{}, nil)
	defer p.Shutdown()

	_, err := p.Admit(context.Background(), pngBytes(t, 5, 5), services.Draft{Local: true}, services.UploadOptions{})
	assert.True(t, apperr.IsInvalidInput(err))

	_, err = p.Admit(context.Background(), pngBytes(t, 5, 5), services.Draft{URL: "https://example.com/a.png"}, services.UploadOptions{})
	assert.NoError(t, err)
}

func TestThumbnailPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    models.ThumbnailPolicy
		threshold int64
		want      bool
	}{
		{"always", models.ThumbnailAlways, 500 * 1024, true},
		{"never", models.ThumbnailNever, 0, false},
		{"if necessary below threshold", models.ThumbnailIfNecessary, 500 * 1024, false},
		{"if necessary above threshold", models.ThumbnailIfNecessary, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{ThumbnailThreshold: tt.threshold})
			id, err := h.processor.Admit(context.Background(), pngBytes(t, 300, 150),
				services.Draft{Local: true, Format: "png"}, services.UploadOptions{Thumbnail: tt.policy})
			require.NoError(t, err)
			h.waitProcessed(t, 1)

			pt := h.point(t, id)
			assert.Equal(t, tt.want, pt.Payload["local_thumbnail"])
			exists, err := h.storage.Exists(context.Background(), models.ThumbnailPath(id))
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
			if tt.want {
				assert.Equal(t, "/static/thumbnails/"+id.String()+".webp", pt.Payload["thumbnail_url"])
			}
		})
	}
}

func TestOCRTextAndConfidence(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		conf    float64
		skip    bool
		wantOCR any
	}{
		{"confident", "  Hello World ", 0.9, false, "Hello World"},
		{"below min confidence", "Hello", 0.1, false, nil},
		{"whitespace only", "   ", 0.9, false, nil},
		{"skipped", "Hello", 0.9, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{ocrText: tt.text, ocrConf: tt.conf}
			h := newHarness(t, provider, services.ProcessorConfig{OCREnabled: true, MinConfidence: 0.5})
			id, err := h.processor.Admit(context.Background(), pngBytes(t, 8, 8),
				services.Draft{Local: true, Format: "png"}, services.UploadOptions{SkipOCR: tt.skip})
			require.NoError(t, err)
			h.waitProcessed(t, 1)

			pt := h.point(t, id)
			assert.Equal(t, tt.wantOCR, pt.Payload["ocr_text"])
			if tt.wantOCR == nil {
				assert.Nil(t, pt.Payload["ocr_text_lower"])
				assert.NotContains(t, pt.Vectors, ocrSlot)
			} else {
				assert.Equal(t, "hello world", pt.Payload["ocr_text_lower"])
				assert.Equal(t, []float32{0, 1}, pt.Vectors[ocrSlot])
			}
			if tt.skip {
				assert.Zero(t, provider.ocrCallCount())
			}
		})
	}
}

func TestWorkerDropsFailedItems(t *testing.T) {
	h := newHarness(t, &fakeProvider{failWidth: 7}, services.ProcessorConfig{})
	ctx := context.Background()
	draft := services.Draft{Local: true, Format: "png"}

	bad, err := h.processor.Admit(ctx, pngBytes(t, 7, 7), draft, services.UploadOptions{})
	require.NoError(t, err)
	good, err := h.processor.Admit(ctx, pngBytes(t, 9, 9), draft, services.UploadOptions{})
	require.NoError(t, err)
	h.waitProcessed(t, 2)

	found, err := h.store.ValidateIDs(ctx, []uuid.UUID{bad, good})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{good}, found)
	assert.False(t, h.processor.InFlight(bad))

	exists, err := h.storage.Exists(ctx, bad.String()+".png")
	require.NoError(t, err)
	assert.False(t, exists, "nothing is persisted for a failed item")
}

func TestShutdownDrainsQueue(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := h.processor.Admit(ctx, pngBytes(t, i, i), services.Draft{Local: true, Format: "png"}, services.UploadOptions{})
		require.NoError(t, err)
	}

	h.processor.Shutdown()
	assert.Equal(t, int64(3), h.processor.Processed())
	n, err := h.store.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data := pngBytes(t, 4, 4)
	_, err = h.processor.Admit(ctx, data, services.Draft{Local: true, Format: "png"}, services.UploadOptions{})
	assert.True(t, apperr.HasCode(err, apperr.CodeIngestClosed))
	assert.False(t, h.processor.InFlight(models.GenerateID(data)))
}

func TestBackfillThumbnails(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{ThumbnailThreshold: 10})
	ctx := context.Background()

	id, err := h.processor.Admit(ctx, pngBytes(t, 64, 32), services.Draft{Local: true, Format: "png"},
		services.UploadOptions{Thumbnail: models.ThumbnailNever})
	require.NoError(t, err)
	_, err = h.processor.Admit(ctx, pngBytes(t, 16, 16), services.Draft{URL: "https://example.com/x.png"},
		services.UploadOptions{Thumbnail: models.ThumbnailNever})
	require.NoError(t, err)
	h.waitProcessed(t, 2)

	written, err := h.processor.BackfillThumbnails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written, "only local images are backfilled")

	pt := h.point(t, id)
	assert.Equal(t, true, pt.Payload["local_thumbnail"])
	assert.Equal(t, "/static/thumbnails/"+id.String()+".webp", pt.Payload["thumbnail_url"])

	written, err = h.processor.BackfillThumbnails(ctx)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestIndexDirectory(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, services.ProcessorConfig{})
	ctx := context.Background()

	src, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	a := pngBytes(t, 20, 10)
	require.NoError(t, src.Upload(ctx, a, "a.png"))
	require.NoError(t, src.Upload(ctx, a, filepath.ToSlash("nested/copy.png")))
	require.NoError(t, src.Upload(ctx, pngBytes(t, 30, 10), "b.PNG"))
	require.NoError(t, src.Upload(ctx, []byte("notes"), "readme.txt"))

	report, err := h.processor.IndexDirectory(ctx, src, "**", services.Draft{Categories: []string{"import"}}, services.UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, services.IndexReport{Admitted: 2, Duplicates: 1}, report)

	h.waitProcessed(t, 2)
	pt := h.point(t, models.GenerateID(a))
	assert.Equal(t, true, pt.Payload["local"])
	assert.Equal(t, []any{"import"}, pt.Payload["categories"])
}

package handlers_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"imagesearch/internal/handlers"
	"imagesearch/internal/middleware"
	"imagesearch/internal/models"
	"imagesearch/internal/services"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "admin-secret"

// gatedProvider embeds an image as [width, height] once gate lets it pass.
type gatedProvider struct {
	gate chan struct{}
}

func (p *gatedProvider) ImageVector(_ context.Context, img image.Image) ([]float32, error) {
	if p.gate != nil {
		<-p.gate
	}
	b := img.Bounds()
	return []float32{float32(b.Dx()), float32(b.Dy())}, nil
}

func (p *gatedProvider) TextVector(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (p *gatedProvider) OCRTextVector(context.Context, string) ([]float32, error) {
	return []float32{0, 1}, nil
}

func (p *gatedProvider) OCRText(context.Context, image.Image) (string, float64, error) {
	return "", 0, nil
}

type testServer struct {
	handler   http.Handler
	processor *services.ImageProcessor
	storage   *storage.Local
}

func newTestServer(t *testing.T, provider services.EmbeddingProvider, cfg handlers.RouterConfig) *testServer {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, local.PreCheck())

	store := vectordb.NewMemory(models.BasisVision.VectorName(), models.BasisOCR.VectorName())
	processor := services.NewImageProcessor(store, local, provider, services.ProcessorConfig{Capacity: 4}, nil)
	t.Cleanup(processor.Shutdown)
	engine := services.NewSearchEngine(store, provider, local, services.SearchOptions{Dimension: 2})

	if cfg.StaticRoot == "" {
		cfg.StaticRoot = local.Root()
	}
	return &testServer{
		handler:   handlers.NewRouter(cfg, engine, processor, nil),
		processor: processor,
		storage:   local,
	}
}

func adminConfig() handlers.RouterConfig {
	return handlers.RouterConfig{AdminEnabled: true, AdminToken: adminToken}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func adminRequest(method, target string, body *bytes.Buffer, contentType string) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(middleware.AdminTokenHeader, adminToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: uint8(w), G: uint8(h), B: 7, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func multipartImage(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type serverInfo struct {
	ImageCount       int `json:"imageCount"`
	IndexQueueLength int `json:"indexQueueLength"`
}

func (s *testServer) info(t *testing.T) serverInfo {
	rec := s.do(t, adminRequest(http.MethodGet, "/admin/server_info", nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[serverInfo](t, rec)
}

func (s *testServer) upload(t *testing.T, query string, data []byte) *httptest.ResponseRecorder {
	body, ct := multipartImage(t, "photo.png", "image/png", data)
	return s.do(t, adminRequest(http.MethodPost, "/admin/upload"+query, body, ct))
}

func TestUploadValidateDeleteScenario(t *testing.T) {
	provider := &gatedProvider{gate: make(chan struct{})}
	srv := newTestServer(t, provider, adminConfig())
	data := pngBytes(t, 64, 48)

	rec := srv.upload(t, "?local=true&categories=cats,%20memes", data)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decode[struct {
		ImageID string `json:"imageId"`
	}](t, rec).ImageID
	require.NotEmpty(t, id)

	// Still blocked in the worker.
	sum := sha1.Sum(data)
	body := bytes.NewBufferString(`{"hashes":["` + hex.EncodeToString(sum[:]) + `"]}`)
	rec = srv.do(t, adminRequest(http.MethodPost, "/admin/duplication_validate", body, "application/json"))
	require.Equal(t, http.StatusOK, rec.Code)
	validations := decode[struct {
		Validations []struct {
			Exists   bool    `json:"exists"`
			EntityID *string `json:"entityId"`
		} `json:"validations"`
	}](t, rec).Validations
	require.Len(t, validations, 1)
	assert.True(t, validations[0].Exists)
	require.NotNil(t, validations[0].EntityID)
	assert.Equal(t, id, *validations[0].EntityID)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/images/id/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, handlers.StatusInQueue, decode[map[string]any](t, rec)["imgStatus"])

	assert.Equal(t, http.StatusConflict, srv.upload(t, "?local=true", data).Code)

	close(provider.gate)
	require.Eventually(t, func() bool { return srv.processor.Processed() == 1 }, 5*time.Second, 5*time.Millisecond)
	info := srv.info(t)
	assert.Equal(t, 1, info.ImageCount)
	assert.Zero(t, info.IndexQueueLength)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/images/id/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		ImgStatus string             `json:"imgStatus"`
		Img       models.ImageRecord `json:"img"`
	}](t, rec)
	assert.Equal(t, handlers.StatusMapped, got.ImgStatus)
	assert.Equal(t, []string{"cats", "memes"}, got.Img.Categories)
	assert.Equal(t, 64, got.Img.Width)

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, got.Img.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())

	assert.Equal(t, http.StatusConflict, srv.upload(t, "?local=true", data).Code)

	rec = srv.do(t, adminRequest(http.MethodDelete, "/admin/delete/"+id, nil, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, srv.info(t).ImageCount)

	rec = srv.do(t, adminRequest(http.MethodDelete, "/admin/delete/"+id, nil, ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "image.point.not_found", decode[map[string]any](t, rec)["code"])

	assert.Equal(t, http.StatusNotFound, srv.do(t, httptest.NewRequest(http.MethodGet, got.Img.URL, nil)).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, httptest.NewRequest(http.MethodGet, "/static/_deleted/"+id+".png", nil)).Code)
}

func TestUploadRejections(t *testing.T) {
	srv := newTestServer(t, &gatedProvider{}, adminConfig())

	body, ct := multipartImage(t, "notes.txt", "text/plain", []byte("hello"))
	rec := srv.do(t, adminRequest(http.MethodPost, "/admin/upload?local=true", body, ct))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	assert.Equal(t, http.StatusUnprocessableEntity, srv.upload(t, "?local=true", []byte("not really a png")).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, srv.upload(t, "?local=false", pngBytes(t, 10, 10)).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, srv.upload(t, "?local=true&localThumbnail=sometimes", pngBytes(t, 10, 10)).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, srv.upload(t, "?starred=maybe", pngBytes(t, 10, 10)).Code)

	rec = srv.do(t, adminRequest(http.MethodPost, "/admin/duplication_validate", bytes.NewBufferString(`{"hashes":["xyz"]}`), "application/json"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUpdateOpt(t *testing.T) {
	srv := newTestServer(t, &gatedProvider{}, adminConfig())
	rec := srv.upload(t, "?local=true", pngBytes(t, 20, 20))
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[map[string]any](t, rec)["imageId"].(string)
	require.Eventually(t, func() bool { return srv.processor.Processed() == 1 }, 5*time.Second, 5*time.Millisecond)

	put := func(body string) int {
		return srv.do(t, adminRequest(http.MethodPut, "/admin/update_opt/"+id, bytes.NewBufferString(body), "application/json")).Code
	}
	assert.Equal(t, http.StatusUnprocessableEntity, put(`{}`))
	assert.Equal(t, http.StatusUnprocessableEntity, put(`{"url":"https://cdn.example/x.png"}`))
	assert.Equal(t, http.StatusOK, put(`{"starred":true,"comments":"nice"}`))

	rec = srv.do(t, httptest.NewRequest(http.MethodGet, "/images/id/"+id, nil))
	img := decode[struct {
		Img models.ImageRecord `json:"img"`
	}](t, rec).Img
	assert.True(t, img.Starred)
	assert.Equal(t, "nice", img.Comments)

	rec = srv.do(t, adminRequest(http.MethodPut, "/admin/update_opt/5b0c8e80-0000-4000-8000-000000000000", bytes.NewBufferString(`{"starred":true}`), "application/json"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAuthorization(t *testing.T) {
	srv := newTestServer(t, &gatedProvider{}, adminConfig())
	req := httptest.NewRequest(http.MethodGet, "/admin/server_info", nil)
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, req).Code)

	disabled := newTestServer(t, &gatedProvider{}, handlers.RouterConfig{AdminToken: adminToken})
	assert.Equal(t, http.StatusNotFound, disabled.do(t, adminRequest(http.MethodGet, "/admin/server_info", nil, "")).Code)
}

func TestSearchEndpoints(t *testing.T) {
	cfg := adminConfig()
	cfg.AccessProtected = true
	cfg.AccessToken = "reader"
	srv := newTestServer(t, &gatedProvider{}, cfg)

	for _, size := range [][2]int{{30, 10}, {10, 30}} {
		require.Equal(t, http.StatusOK, srv.upload(t, "?local=true", pngBytes(t, size[0], size[1])).Code)
	}
	require.Eventually(t, func() bool { return srv.processor.Processed() == 2 }, 5*time.Second, 5*time.Millisecond)

	get := func(target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set(middleware.AccessTokenHeader, "reader")
		return srv.do(t, req)
	}

	assert.Equal(t, http.StatusUnauthorized, srv.do(t, httptest.NewRequest(http.MethodGet, "/search/text/cat", nil)).Code)

	rec := get("/search/text/cat?count=1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		QueryID string                `json:"queryId"`
		Result  []models.SearchResult `json:"result"`
	}](t, rec)
	assert.NotEmpty(t, resp.QueryID)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, 30, resp.Result[0].Img.Width, "text vector [1,0] favours the wide image")

	rec = get("/search/text/cat?preferredRatio=0.33&ratioTolerance=0.1")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[struct {
		QueryID string                `json:"queryId"`
		Result  []models.SearchResult `json:"result"`
	}](t, rec)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, 10, resp.Result[0].Img.Width)

	assert.Equal(t, http.StatusUnprocessableEntity, get("/search/text/cat?count=0").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, get("/search/text/cat?count=101").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, get("/search/text/cat?skip=-1").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, get("/search/text/cat?ratioTolerance=1").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, get("/search/text/cat?basis=ocr").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, get("/search/similar/not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, get("/search/similar/5b0c8e80-0000-4000-8000-000000000000").Code)
	assert.Equal(t, http.StatusOK, get("/search/random?seed=7").Code)

	rec = get("/images/?count=1")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Images         []models.ImageRecord `json:"images"`
		NextPageOffset *string              `json:"nextPageOffset"`
	}](t, rec)
	require.Len(t, page.Images, 1)
	require.NotNil(t, page.NextPageOffset)
	rec = get("/images/?count=1&prevOffsetId=" + *page.NextPageOffset)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, get("/images/?prevOffsetId=5b0c8e80-0000-4000-8000-000000000000").Code)
}

func TestWelcome(t *testing.T) {
	cfg := adminConfig()
	cfg.AccessProtected = true
	cfg.AccessToken = "reader"
	srv := newTestServer(t, &gatedProvider{}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.AccessTokenHeader, "reader")
	rec := srv.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Authorization struct {
			Required bool `json:"required"`
			Passed   bool `json:"passed"`
		} `json:"authorization"`
		AdminAPI struct {
			Available bool `json:"available"`
			Passed    bool `json:"passed"`
		} `json:"adminApi"`
		AvailableBasis []string `json:"availableBasis"`
	}](t, rec)
	assert.True(t, body.Authorization.Required)
	assert.True(t, body.Authorization.Passed)
	assert.True(t, body.AdminAPI.Available)
	assert.False(t, body.AdminAPI.Passed)
	assert.Equal(t, []string{"vision"}, body.AvailableBasis)
}

package services

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"imagesearch/internal/apperr"
	"imagesearch/internal/config"
	"imagesearch/internal/models"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// EmbeddingProvider turns images and text into vectors. ImageVector and
// TextVector share the vision space; OCRTextVector lives in the ocr space.
type EmbeddingProvider interface {
	ImageVector(ctx context.Context, img image.Image) ([]float32, error)
	TextVector(ctx context.Context, text string) ([]float32, error)
	OCRTextVector(ctx context.Context, text string) ([]float32, error)
	// OCRText extracts the text visible in img with a confidence in [0, 1].
	OCRText(ctx context.Context, img image.Image) (string, float64, error)
}

// VisionEncoder embeds images and text into one joint space.
type VisionEncoder interface {
	ImageVector(ctx context.Context, img image.Image) ([]float32, error)
	TextVector(ctx context.Context, text string) ([]float32, error)
}

type OCREngine interface {
	OCRText(ctx context.Context, img image.Image) (string, float64, error)
}

type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider composes the encoders. A nil OCR engine reports no text; a nil
// text embedder embeds OCR text with the vision encoder's text tower.
type Provider struct {
	Vision VisionEncoder
	OCR    OCREngine
	Text   TextEmbedder
}

var _ EmbeddingProvider = (*Provider)(nil)

func (p *Provider) ImageVector(ctx context.Context, img image.Image) ([]float32, error) {
	return p.Vision.ImageVector(ctx, img)
}

func (p *Provider) TextVector(ctx context.Context, text string) ([]float32, error) {
	return p.Vision.TextVector(ctx, text)
}

func (p *Provider) OCRTextVector(ctx context.Context, text string) ([]float32, error) {
	if p.Text == nil {
		return p.Vision.TextVector(ctx, text)
	}
	return p.Text.Embed(ctx, text)
}

func (p *Provider) OCRText(ctx context.Context, img image.Image) (string, float64, error) {
	if p.OCR == nil {
		return "", 0, nil
	}
	return p.OCR.OCRText(ctx, img)
}

const (
	clipImageSize  = 224
	clipContextLen = 77
	clipDim        = 768
	// clipPadID is the end-of-text token, which CLIP also pads with.
	clipPadID = 49407
)

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// CLIPService runs the ONNX exports of the CLIP vision and text towers.
// Each session has preallocated tensors and is serialised by its own lock.
type CLIPService struct {
	visionMu     sync.Mutex
	vision       *ort.AdvancedSession
	pixels       *ort.Tensor[float32]
	imageEmbeds  *ort.Tensor[float32]
	textMu       sync.Mutex
	text         *ort.AdvancedSession
	tokenizer    *models.Tokenizer
	inputIDs     *ort.Tensor[int64]
	attention    *ort.Tensor[int64]
	textEmbeds   *ort.Tensor[float32]
	once         sync.Once
	ownsEnv      bool
}

var _ VisionEncoder = (*CLIPService)(nil)

func NewCLIPService(cfg config.CLIPConfig) (*CLIPService, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	s := &CLIPService{}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("init onnx: %w", err)
		}
		s.ownsEnv = true
	}
	if err := s.init(cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *CLIPService) init(cfg config.CLIPConfig) error {
	var err error
	if s.pixels, err = ort.NewTensor(ort.NewShape(1, 3, clipImageSize, clipImageSize),
		make([]float32, 3*clipImageSize*clipImageSize)); err != nil {
		return fmt.Errorf("create pixel tensor: %w", err)
	}
	if s.imageEmbeds, err = ort.NewEmptyTensor[float32](ort.NewShape(1, clipDim)); err != nil {
		return fmt.Errorf("create image output tensor: %w", err)
	}
	if s.vision, err = ort.NewAdvancedSession(cfg.VisionPath,
		[]string{"pixel_values"}, []string{"image_embeds"},
		[]ort.ArbitraryTensor{s.pixels}, []ort.ArbitraryTensor{s.imageEmbeds}, nil); err != nil {
		return fmt.Errorf("create vision session: %w", err)
	}

	if s.inputIDs, err = ort.NewTensor(ort.NewShape(1, clipContextLen), make([]int64, clipContextLen)); err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}
	if s.attention, err = ort.NewTensor(ort.NewShape(1, clipContextLen), make([]int64, clipContextLen)); err != nil {
		return fmt.Errorf("create attention tensor: %w", err)
	}
	if s.textEmbeds, err = ort.NewEmptyTensor[float32](ort.NewShape(1, clipDim)); err != nil {
		return fmt.Errorf("create text output tensor: %w", err)
	}
	if s.text, err = ort.NewAdvancedSession(cfg.TextPath,
		[]string{"input_ids", "attention_mask"}, []string{"text_embeds"},
		[]ort.ArbitraryTensor{s.inputIDs, s.attention}, []ort.ArbitraryTensor{s.textEmbeds}, nil); err != nil {
		return fmt.Errorf("create text session: %w", err)
	}

	if s.tokenizer, err = models.NewTokenizer(cfg.TokenizerPath, clipPadID); err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	return nil
}

func (s *CLIPService) ImageVector(_ context.Context, img image.Image) ([]float32, error) {
	s.visionMu.Lock()
	defer s.visionMu.Unlock()

	copy(s.pixels.GetData(), Preprocess(img))
	if err := s.vision.Run(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "clip vision inference")
	}
	embedding := append([]float32(nil), s.imageEmbeds.GetData()...)
	normalize(embedding)
	return embedding, nil
}

func (s *CLIPService) TextVector(_ context.Context, text string) ([]float32, error) {
	s.textMu.Lock()
	defer s.textMu.Unlock()

	inputIDs, attentionMask, err := s.tokenizer.Encode(text, clipContextLen)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "tokenize")
	}
	copy(s.inputIDs.GetData(), inputIDs)
	copy(s.attention.GetData(), attentionMask)

	if err := s.text.Run(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "clip text inference")
	}
	embedding := append([]float32(nil), s.textEmbeds.GetData()...)
	normalize(embedding)
	return embedding, nil
}

// Preprocess resizes and center-crops img to the CLIP input size and
// returns it as normalised CHW float32 pixels.
func Preprocess(img image.Image) []float32 {
	fitted := imaging.Fill(img, clipImageSize, clipImageSize, imaging.Center, imaging.CatmullRom)
	plane := clipImageSize * clipImageSize
	out := make([]float32, 3*plane)
	for y := 0; y < clipImageSize; y++ {
		for x := 0; x < clipImageSize; x++ {
			off := fitted.PixOffset(x, y)
			i := y*clipImageSize + x
			for c := 0; c < 3; c++ {
				v := float32(fitted.Pix[off+c]) / 255
				out[c*plane+i] = (v - clipMean[c]) / clipStd[c]
			}
		}
	}
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

func (s *CLIPService) Close() {
	s.once.Do(func() {
		for _, sess := range []*ort.AdvancedSession{s.vision, s.text} {
			if sess != nil {
				sess.Destroy()
			}
		}
		for _, t := range []*ort.Tensor[float32]{s.pixels, s.imageEmbeds, s.textEmbeds} {
			if t != nil {
				t.Destroy()
			}
		}
		for _, t := range []*ort.Tensor[int64]{s.inputIDs, s.attention} {
			if t != nil {
				t.Destroy()
			}
		}
		if s.tokenizer != nil {
			s.tokenizer.Close()
		}
		if s.ownsEnv {
			ort.DestroyEnvironment()
		}
	})
}

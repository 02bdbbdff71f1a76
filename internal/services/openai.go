package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"strings"

	"imagesearch/internal/apperr"
	"imagesearch/internal/config"

	"github.com/disintegration/imaging"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OCRTextDimension matches the ocr vector slot of the store.
const OCRTextDimension = 768

const ocrPrompt = `Extract all text visible in this image. Reply with a JSON object ` +
	`{"text": string, "confidence": number between 0 and 1}. ` +
	`Use an empty text and confidence 0 when the image contains no text.`

// ocrEdge bounds the longest side of images sent for OCR.
const ocrEdge = 1024

func newOpenAIClient(cfg config.OpenAIConfig) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...)
}

// OpenAIOCR reads text from images with a vision-capable chat model.
type OpenAIOCR struct {
	client openai.Client
	model  string
}

var _ OCREngine = (*OpenAIOCR)(nil)

func NewOpenAIOCR(cfg config.OpenAIConfig, model string) *OpenAIOCR {
	return &OpenAIOCR{client: newOpenAIClient(cfg), model: model}
}

type ocrReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (o *OpenAIOCR) OCRText(ctx context.Context, img image.Image) (string, float64, error) {
	dataURL, err := jpegDataURL(img)
	if err != nil {
		return "", 0, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "encode image for ocr")
	}

	user := openai.ChatCompletionUserMessageParam{
		Content: openai.ChatCompletionUserMessageParamContentUnion{
			OfArrayOfContentParts: []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(ocrPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			},
		},
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{{OfUser: &user}},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", 0, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "ocr request")
	}
	if len(resp.Choices) == 0 {
		return "", 0, apperr.New(apperr.CodeEmbeddingFailure, "ocr returned no choices")
	}
	return parseOCRReply(resp.Choices[0].Message.Content)
}

// parseOCRReply decodes the model's JSON reply, tolerating a fenced code
// block around it.
func parseOCRReply(content string) (string, float64, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply ocrReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &reply); err != nil {
		return "", 0, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "decode ocr reply")
	}
	conf := min(max(reply.Confidence, 0), 1)
	return reply.Text, conf, nil
}

func jpegDataURL(img image.Image) (string, error) {
	b := img.Bounds()
	if b.Dx() > ocrEdge || b.Dy() > ocrEdge {
		img = imaging.Fit(img, ocrEdge, ocrEdge, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// OpenAITextEmbedder embeds OCR text with the OpenAI embeddings API.
type OpenAITextEmbedder struct {
	client openai.Client
	model  string
}

var _ TextEmbedder = (*OpenAITextEmbedder)(nil)

func NewOpenAITextEmbedder(cfg config.OpenAIConfig) *OpenAITextEmbedder {
	return &OpenAITextEmbedder{client: newOpenAIClient(cfg), model: cfg.EmbeddingModel}
}

func (e *OpenAITextEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(OCRTextDimension),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "embedding request")
	}
	if len(resp.Data) == 0 {
		return nil, apperr.New(apperr.CodeEmbeddingFailure, "embedding response is empty")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	normalize(vec)
	return vec, nil
}

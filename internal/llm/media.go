package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/vnorme/vnorme-bot/internal/config"
)

const (
	// DefaultImageMIME is used when neither the platform nor sniffing yields an image type.
	DefaultImageMIME = "image/jpeg"

	visionPrompt = `Опиши, что изображено на фото, с точки зрения питания: какие блюда и продукты видны, примерный размер порций в граммах и ориентировочную калорийность. Если еды на фото нет, кратко опиши, что на нём. Отвечай по-русски, не более 6 предложений.`
)

// Transcriber turns recorded speech into text. An empty transcript is not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// Vision describes an image, optionally guided by the user's caption.
type Vision interface {
	Describe(ctx context.Context, image []byte, mimeType, caption string) (string, error)
}

// MediaClient implements Transcriber and Vision on the OpenAI API.
type MediaClient struct {
	client          openai.Client
	transcribeModel string
	visionModel     string
	language        string
	maxTokens       int
}

func NewMediaClient(cfg *config.Config) (*MediaClient, error) {
	apiKey := strings.TrimSpace(cfg.Media.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(cfg.Provider.APIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("media api key not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.Media.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &MediaClient{
		client:          openai.NewClient(opts...),
		transcribeModel: cfg.Media.TranscribeModel,
		visionModel:     cfg.Media.VisionModel,
		language:        cfg.Media.Language,
		maxTokens:       cfg.Media.MaxTokens,
	}, nil
}

func (c *MediaClient) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcribe: empty audio")
	}
	if filename == "" {
		filename = "voice.ogg"
	}
	params := openai.AudioTranscriptionNewParams{
		File:  &namedReader{Reader: bytes.NewReader(audio), name: filename, contentType: mimeType},
		Model: openai.AudioModel(c.transcribeModel),
	}
	if c.language != "" {
		params.Language = openai.String(c.language)
	}

	tr, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(tr.Text), nil
}

func (c *MediaClient) Describe(ctx context.Context, image []byte, mimeType, caption string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("describe image: empty image")
	}

	prompt := visionPrompt
	if caption = strings.TrimSpace(caption); caption != "" {
		prompt += "\nПодпись пользователя: " + caption
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.visionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: DataURL(image, mimeType),
				}),
			}),
		},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("describe image: %w", ErrEmptyCompletion)
	}
	out := strings.TrimSpace(completion.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("describe image: %w", ErrEmptyCompletion)
	}
	return out, nil
}

// ImageMIME normalizes the declared type of an image, sniffing the bytes
// when the platform did not provide a usable one.
func ImageMIME(data []byte, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if len(data) > 0 {
		if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
	}
	return DefaultImageMIME
}

// DataURL encodes an image as a base64 data URL.
func DataURL(data []byte, mimeType string) string {
	return "data:" + ImageMIME(data, mimeType) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// namedReader carries a filename and content type into the multipart upload.
type namedReader struct {
	*bytes.Reader
	name        string
	contentType string
}

func (r *namedReader) Filename() string { return r.name }

func (r *namedReader) Name() string { return r.name }

func (r *namedReader) ContentType() string {
	if r.contentType == "" {
		return "application/octet-stream"
	}
	return r.contentType
}

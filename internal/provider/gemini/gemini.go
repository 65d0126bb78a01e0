// Package gemini sends try-on requests to Google's Gemini image models.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"google.golang.org/genai"

	"github.com/manash/tryon/internal/provider"
	"github.com/manash/tryon/pkg/models"
)

// TryOnInstruction is sent verbatim ahead of the two images. It is not user
// editable.
const TryOnInstruction = "Generate a high-quality, photorealistic image of the person in the first image " +
	"wearing the garment shown in the second image. Preserve the person's pose, body shape, " +
	"and the background of the first image. Ensure the garment fits naturally."

// ContentGenerator is the slice of the genai client this package needs.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Provider struct {
	cfg    provider.Config
	logger *log.Logger

	mu        sync.Mutex
	generator ContentGenerator
	connect   func(ctx context.Context) (ContentGenerator, error)
}

// New does not contact the service. The API key is only checked when the
// first request is made, so a bad or missing key surfaces as a generation
// failure.
func New(cfg provider.Config, logger *log.Logger) *Provider {
	if cfg.Model == "" {
		cfg.Model = models.DefaultModel
	}
	if cfg.Registry == nil {
		cfg.Registry = models.DefaultRegistry()
	}
	if logger == nil {
		logger = log.Default()
	}

	p := &Provider{
		cfg:    cfg,
		logger: logger.With("component", "gemini", "model", cfg.Model),
	}
	p.connect = p.dial
	return p
}

// NewWithGenerator wires a pre-built generator, used by tests and callers
// that manage the genai client themselves.
func NewWithGenerator(cfg provider.Config, gen ContentGenerator, logger *log.Logger) *Provider {
	p := New(cfg, logger)
	p.generator = gen
	return p
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderGemini
}

func (p *Provider) Model() string {
	return p.cfg.Model
}

func (p *Provider) TryOn(ctx context.Context, req *models.TryOnRequest) (*models.Result, error) {
	contents, err := BuildContents(req)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if caps, ok := p.cfg.Registry.Get(model); ok {
		if err := caps.Validate(req); err != nil {
			return nil, err
		}
	}

	gen, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	p.logRequest(model, contents)

	resp, err := gen.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}

	result, err := ExtractImage(resp)
	if err != nil {
		p.logger.Warn("response carried no image", "candidates", candidateCount(resp), "err", err)
		return nil, err
	}

	p.logger.Debug("image received", "bytes", len(result.Data))
	return result, nil
}

func (p *Provider) client(ctx context.Context) (ContentGenerator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generator != nil {
		return p.generator, nil
	}

	gen, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.generator = gen
	return gen, nil
}

func (p *Provider) dial(ctx context.Context) (ContentGenerator, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, provider.ErrAPIKeyRequired)
	}

	cc := &genai.ClientConfig{
		APIKey:     p.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: p.cfg.Timeout},
	}
	if p.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %w", provider.ErrGenerationFailed, err)
	}
	return client.Models, nil
}

// BuildContents assembles the single user turn: instruction, subject image,
// garment image, in that order.
func BuildContents(req *models.TryOnRequest) ([]*genai.Content, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Instruction)}
	for _, img := range req.Images() {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data},
		})
	}

	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

// ExtractImage returns the first part carrying inline image data, re-wrapped
// as PNG. Parts are scanned in order and the first match wins.
func ExtractImage(resp *genai.GenerateContentResponse) (*models.Result, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: prompt blocked (%s)", provider.ErrNoImage, resp.PromptFeedback.BlockReason)
		}
		return nil, provider.ErrNoImage
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			data := part.InlineData.Data
			return &models.Result{
				MIMEType: models.OutputMediaType,
				Encoded:  base64.StdEncoding.EncodeToString(data),
				Data:     data,
			}, nil
		}
	}

	if candidate.FinishReason != "" &&
		candidate.FinishReason != genai.FinishReasonUnspecified &&
		candidate.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("%w: generation stopped (%s)", provider.ErrNoImage, candidate.FinishReason)
	}

	return nil, provider.ErrNoImage
}

func candidateCount(resp *genai.GenerateContentResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Candidates)
}

// logRequest traces the outgoing parts without dumping image bytes.
func (p *Provider) logRequest(model string, contents []*genai.Content) {
	if p.logger.GetLevel() > log.DebugLevel {
		return
	}

	for _, c := range contents {
		for i, part := range c.Parts {
			switch {
			case part.InlineData != nil:
				p.logger.Debug("request part", "model", model, "index", i, "mime", part.InlineData.MIMEType, "bytes", len(part.InlineData.Data))
			case part.Text != "":
				p.logger.Debug("request part", "model", model, "index", i, "text", truncate(part.Text, 80))
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}

package provider

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/manash/tryon/pkg/models"
)

var (
	ErrAPIKeyRequired   = errors.New("API key is required")
	ErrGenerationFailed = errors.New("image generation failed")
	ErrNoImage          = errors.New("no image generated")
)

type Provider interface {
	Name() models.ProviderType
	TryOn(ctx context.Context, req *models.TryOnRequest) (*models.Result, error)
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout bounds the transport; zero waits for the service indefinitely.
	Timeout time.Duration
	// Registry describes known models. Requests for unknown models are sent
	// unchecked.
	Registry *models.ModelRegistry
}

// Message is the single human-readable text shown for any failure. Failures
// are not classified: the provider's own message wins, then the error text,
// then a generic fallback.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Message) != "" {
		return apiErr.Message
	}

	if errors.Is(err, ErrNoImage) {
		return sentence(err.Error())
	}

	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return models.GenericFailureMessage
}

func sentence(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	s = string(unicode.ToUpper(r)) + s[size:]
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

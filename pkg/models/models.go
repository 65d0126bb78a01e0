package models

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidRole      = errors.New("invalid slot role")
	ErrMissingImage     = errors.New("both subject and garment images are required")
	ErrEmptyImage       = errors.New("image data is empty")
	ErrUnknownModel     = errors.New("unknown model")
	ErrNoImageInputs    = errors.New("model does not accept image inputs")
	ErrInlineTooLarge   = errors.New("images exceed the model's inline request limit")
	ErrEmptyInstruction = errors.New("instruction cannot be empty")
)

const (
	OutputMediaType       = "image/png"
	DownloadFilename      = "gemini-try-on.png"
	GenericFailureMessage = "Something went wrong. Please try again."
	DefaultModel          = "gemini-2.5-flash-image"
)

type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
)

type Role string

const (
	RoleSubject Role = "subject"
	RoleGarment Role = "garment"
)

func Roles() []Role {
	return []Role{RoleSubject, RoleGarment}
}

// ParseRole returns the package constant for s, never s itself, so the result
// does not alias a caller's buffer.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) String() string {
	return string(r)
}

// Image is one intake result. Data, Encoded and PreviewID always describe
// the same file; only the intake package constructs it.
type Image struct {
	Name      string
	MIMEType  string
	Data      []byte
	Encoded   string
	PreviewID string
}

func (i *Image) Size() int {
	if i == nil {
		return 0
	}
	return len(i.Data)
}

type TryOnRequest struct {
	Instruction string
	Model       string
	Subject     *Image
	Garment     *Image
}

func (r *TryOnRequest) Validate() error {
	if r.Instruction == "" {
		return ErrEmptyInstruction
	}
	if r.Subject == nil || r.Garment == nil {
		return ErrMissingImage
	}
	if len(r.Subject.Data) == 0 || len(r.Garment.Data) == 0 {
		return ErrEmptyImage
	}
	return nil
}

// Images returns the inline inputs in the order they are sent.
func (r *TryOnRequest) Images() []*Image {
	return []*Image{r.Subject, r.Garment}
}

type Result struct {
	MIMEType string
	Encoded  string
	Data     []byte
}

func (r *Result) DataURL() string {
	if r == nil || r.Encoded == "" {
		return ""
	}
	return "data:" + r.MIMEType + ";base64," + r.Encoded
}

// InlineRequestLimit is the Gemini API cap on inline data in one request.
const InlineRequestLimit = 20 << 20

type ModelCapabilities struct {
	Name     string
	Provider ProviderType
	// MaxInlineBytes bounds the combined size of both uploads. Zero means the
	// model takes no image input.
	MaxInlineBytes int
	Preview        bool
}

func (c *ModelCapabilities) Validate(req *TryOnRequest) error {
	if c.MaxInlineBytes == 0 {
		return ErrNoImageInputs
	}
	if err := req.Validate(); err != nil {
		return err
	}
	total := 0
	for _, img := range req.Images() {
		total += img.Size()
	}
	if total > c.MaxInlineBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrInlineTooLarge, total, c.MaxInlineBytes)
	}
	return nil
}

type ModelRegistry struct {
	models map[string]*ModelCapabilities
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models: make(map[string]*ModelCapabilities),
	}
}

func (r *ModelRegistry) Register(cap *ModelCapabilities) {
	r.models[cap.Name] = cap
}

func (r *ModelRegistry) Get(name string) (*ModelCapabilities, bool) {
	cap, ok := r.models[name]
	return cap, ok
}

func (r *ModelRegistry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func DefaultRegistry() *ModelRegistry {
	r := NewModelRegistry()

	r.Register(&ModelCapabilities{
		Name:           "gemini-2.5-flash-image",
		Provider:       ProviderGemini,
		MaxInlineBytes: InlineRequestLimit,
	})

	r.Register(&ModelCapabilities{
		Name:           "gemini-2.5-flash-image-preview",
		Provider:       ProviderGemini,
		MaxInlineBytes: InlineRequestLimit,
		Preview:        true,
	})

	r.Register(&ModelCapabilities{
		Name:           "gemini-3-pro-image-preview",
		Provider:       ProviderGemini,
		MaxInlineBytes: InlineRequestLimit,
		Preview:        true,
	})

	return r
}

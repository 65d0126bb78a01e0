// Package intake turns user-supplied files into models.Image values that can
// be previewed and sent inline to the generation service.
package intake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/manash/tryon/internal/security"
	"github.com/manash/tryon/pkg/models"
)

var (
	ErrRead           = errors.New("failed to read image")
	ErrInvalidDataURL = errors.New("invalid data URL")
)

// Read consumes r completely. A failed read never yields a partial image.
func Read(r io.Reader, name, declaredType string) (*models.Image, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no file supplied", ErrRead)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	return fromBytes(data, name, declaredType)
}

// ReadDataURL accepts the output of a browser FileReader.readAsDataURL call
// and strips the "data:<type>;base64," prefix before decoding.
func ReadDataURL(name, dataURL string) (*models.Image, error) {
	declaredType, payload, err := splitDataURL(dataURL)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}

	return fromBytes(data, name, declaredType)
}

func fromBytes(data []byte, name, declaredType string) (*models.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrRead, models.ErrEmptyImage)
	}

	return &models.Image{
		Name:      security.SanitizeFilename(name),
		MIMEType:  MediaType(data, declaredType),
		Data:      data,
		Encoded:   base64.StdEncoding.EncodeToString(data),
		PreviewID: uuid.NewString(),
	}, nil
}

// MediaType prefers the type the client declared and falls back to sniffing.
func MediaType(data []byte, declaredType string) string {
	if declaredType != "" {
		if mt, _, err := mime.ParseMediaType(declaredType); err == nil {
			return mt
		}
	}
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

func splitDataURL(dataURL string) (string, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return "", "", fmt.Errorf("%w: missing data: scheme", ErrInvalidDataURL)
	}

	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("%w: missing payload separator", ErrInvalidDataURL)
	}

	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", "", fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}

	return mediaType, payload, nil
}

package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/manash/tryon/internal/intake"
	"github.com/manash/tryon/internal/security"
	"github.com/manash/tryon/internal/session"
	"github.com/manash/tryon/pkg/models"
)

func (s *Server) Index() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		ctx.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		ctx.Set(fiber.HeaderCacheControl, "no-cache")
		return ctx.Send(indexHTML)
	}
}

func (s *Server) Health() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(HealthResponse{
			Status:    "ok",
			Model:     s.sessions.Model(),
			Sessions:  s.sessions.Len(),
			Version:   s.opts.Version,
			TimeStamp: time.Now().Unix(),
		})
	}
}

func (s *Server) CreateSession() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c := s.sessions.Create()

		ctx.Cookie(&fiber.Cookie{
			Name:     sessionCookie,
			Value:    c.ID(),
			Path:     "/",
			SameSite: fiber.CookieSameSiteLaxMode,
		})
		return ctx.Status(fiber.StatusCreated).JSON(c.Snapshot())
	}
}

func (s *Server) GetSession() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		return ctx.JSON(c.Snapshot())
	}
}

func (s *Server) DeleteSession() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if err := s.sessions.Delete(ctx.Params("id")); err != nil {
			return s.fail(ctx, err)
		}
		ctx.ClearCookie(sessionCookie)
		return ctx.SendStatus(fiber.StatusNoContent)
	}
}

// SetSlot accepts either a multipart "file" field or a JSON data URL. A file
// that cannot be read becomes the session's failure outcome.
func (s *Server) SetSlot() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		role, err := models.ParseRole(ctx.Params("role"))
		if err != nil {
			return s.fail(ctx, err)
		}

		logger := HttpLogger(s.logger, "set-slot", ctx).With("session", c.ID(), "role", role)

		img, err := s.readUpload(ctx)
		if err != nil {
			if errors.Is(err, errMissingUpload) {
				return s.fail(ctx, err)
			}
			logger.Warn("image intake failed", "err", err)
			s.metrics.RecordIntakeFailure()
			if rerr := c.RecordIntakeFailure(err); rerr != nil {
				return s.fail(ctx, rerr)
			}
			return s.fail(ctx, err)
		}

		if err := c.SetSlot(role, img); err != nil {
			return s.fail(ctx, err)
		}

		logger.Info("slot populated", "name", img.Name, "mime", img.MIMEType, "bytes", img.Size())
		return ctx.JSON(c.Snapshot())
	}
}

var errMissingUpload = errors.New(`expected a multipart "file" field or a JSON body with "dataUrl"`)

func (s *Server) readUpload(ctx *fiber.Ctx) (*models.Image, error) {
	if strings.HasPrefix(ctx.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		var req uploadRequest
		if err := ctx.BodyParser(&req); err != nil || req.DataURL == "" {
			return nil, errMissingUpload
		}
		return intake.ReadDataURL(req.Name, req.DataURL)
	}

	fh, err := ctx.FormFile("file")
	if err != nil {
		return nil, errMissingUpload
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", intake.ErrRead, err)
	}
	defer f.Close()

	return intake.Read(f, fh.Filename, fh.Header.Get(fiber.HeaderContentType))
}

func (s *Server) ClearSlot() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		role, err := models.ParseRole(ctx.Params("role"))
		if err != nil {
			return s.fail(ctx, err)
		}

		if err := c.ClearSlot(role); err != nil {
			return s.fail(ctx, err)
		}
		return ctx.JSON(c.Snapshot())
	}
}

// Preview serves the raw bytes of a slot. The "v" query names the preview
// id; a superseded id is a 404 so stale <img> tags never show the wrong file.
func (s *Server) Preview() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		role, err := models.ParseRole(ctx.Params("role"))
		if err != nil {
			return s.fail(ctx, err)
		}

		img, err := c.Preview(role, ctx.Query("v"))
		if err != nil {
			return s.fail(ctx, err)
		}

		ctx.Set(fiber.HeaderContentType, img.MIMEType)
		ctx.Set(fiber.HeaderContentDisposition, security.Inline(img.Name))
		ctx.Set(fiber.HeaderCacheControl, "private, max-age=3600")
		ctx.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		return ctx.Send(img.Data)
	}
}

// Generate triggers the single outbound request and returns immediately.
// Clients poll the session until it leaves the generating state.
func (s *Server) Generate() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}

		snap, err := s.runner.Generate(c)
		if err != nil {
			return s.fail(ctx, err)
		}
		return ctx.Status(fiber.StatusAccepted).JSON(snap)
	}
}

func (s *Server) Reset() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}

		c.Reset()
		HttpLogger(s.logger, "reset", ctx).Debug("session reset", "session", c.ID())
		return ctx.JSON(c.Snapshot())
	}
}

// Result downloads the generated image under a fixed filename.
func (s *Server) Result() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		c, err := s.session(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}

		result, err := c.Result()
		if err != nil {
			return s.fail(ctx, err)
		}

		ctx.Set(fiber.HeaderContentType, result.MIMEType)
		ctx.Set(fiber.HeaderContentDisposition, security.Attachment(models.DownloadFilename))
		ctx.Set(fiber.HeaderCacheControl, "no-store")
		return ctx.Send(result.Data)
	}
}

func (s *Server) session(ctx *fiber.Ctx) (*session.Controller, error) {
	return s.sessions.Get(ctx.Params("id"))
}

// fail maps domain errors onto status codes and the shared error body.
func (s *Server) fail(ctx *fiber.Ctx, err error) error {
	status, code := classify(err)
	if status >= fiber.StatusInternalServerError {
		HttpLogger(s.logger, "error", ctx).Error("request error", "err", err)
	}
	return ctx.Status(status).JSON(ErrorResponse{
		Error:   code,
		Message: err.Error(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return fiber.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrPreviewNotFound):
		return fiber.StatusNotFound, "preview_not_found"
	case errors.Is(err, session.ErrNoResult):
		return fiber.StatusNotFound, "no_result"
	case errors.Is(err, models.ErrInvalidRole):
		return fiber.StatusNotFound, "invalid_role"
	case errors.Is(err, session.ErrBusy):
		return fiber.StatusConflict, "generation_in_progress"
	case errors.Is(err, session.ErrNotReady):
		return fiber.StatusConflict, "not_ready"
	case errors.Is(err, errMissingUpload):
		return fiber.StatusBadRequest, "missing_file"
	case errors.Is(err, intake.ErrRead),
		errors.Is(err, intake.ErrInvalidDataURL),
		errors.Is(err, models.ErrEmptyImage):
		return fiber.StatusUnprocessableEntity, "intake_failed"
	case errors.Is(err, session.ErrShuttingDown):
		return fiber.StatusServiceUnavailable, "shutting_down"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

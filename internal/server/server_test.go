package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/tryon/internal/metrics"
	"github.com/manash/tryon/internal/session"
	"github.com/manash/tryon/pkg/models"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

type fakeProvider struct {
	calls   atomic.Int32
	gate    chan struct{}
	result  []byte
	err     error
	lastReq atomic.Pointer[models.TryOnRequest]
}

func (f *fakeProvider) Name() models.ProviderType { return models.ProviderGemini }

func (f *fakeProvider) TryOn(ctx context.Context, req *models.TryOnRequest) (*models.Result, error) {
	f.calls.Add(1)
	f.lastReq.Store(req)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.Result{
		MIMEType: models.OutputMediaType,
		Encoded:  base64.StdEncoding.EncodeToString(f.result),
		Data:     f.result,
	}, nil
}

type testEnv struct {
	srv      *Server
	sessions *session.Manager
	runner   *session.Runner
	provider *fakeProvider
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.BodyLimit == 0 {
		opts.BodyLimit = 4 << 20
	}

	logger := log.New(io.Discard)
	p := &fakeProvider{result: []byte("generated-png")}
	sessions := session.NewManager(session.ManagerOptions{Instruction: "try it on", Model: "gemini-test"}, logger)
	runner := session.NewRunner(p, 2, nil, logger)
	collector := metrics.NewCollector()
	collector.TrackSessions(sessions.Len)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = runner.Shutdown(shutdownCtx)
	})

	return &testEnv{
		srv:      New(ctx, opts, sessions, runner, collector, logger),
		sessions: sessions,
		runner:   runner,
		provider: p,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	resp := e.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[session.Snapshot](t, resp).ID
}

func multipartUpload(t *testing.T, method, url, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (e *testEnv) upload(t *testing.T, id string, role models.Role, name string) session.Snapshot {
	t.Helper()
	resp := e.do(t, multipartUpload(t, http.MethodPut, "/api/sessions/"+id+"/slots/"+string(role), name, "image/png", pngBytes))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[session.Snapshot](t, resp)
}

func (e *testEnv) snapshot(t *testing.T, id string) session.Snapshot {
	t.Helper()
	resp := e.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[session.Snapshot](t, resp)
}

func (e *testEnv) waitFor(t *testing.T, id string, state session.State) {
	t.Helper()
	c, err := e.sessions.Get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.State() == state }, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{Version: "1.2.3"})

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "gemini-test", body.Model)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "PNG, JPG up to 10MB")
	assert.Contains(t, string(body), `download="gemini-try-on.png"`)
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Set-Cookie"), sessionCookie+"=")

	snap := decode[session.Snapshot](t, resp)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, session.StateIdle, snap.State)
	assert.False(t, snap.CanGenerate)
	assert.Equal(t, 1, env.sessions.Len())
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, Options{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/missing"},
		{http.MethodPost, "/api/sessions/missing/generate"},
		{http.MethodPost, "/api/sessions/missing/reset"},
		{http.MethodGet, "/api/sessions/missing/result"},
		{http.MethodDelete, "/api/sessions/missing"},
	} {
		resp := env.do(t, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
		body := decode[ErrorResponse](t, resp)
		assert.Equal(t, "session_not_found", body.Error)
	}
}

func TestTryOnFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createSession(t)

	snap := env.upload(t, id, models.RoleSubject, "me.png")
	assert.Equal(t, session.StateIdle, snap.State)
	assert.False(t, snap.CanGenerate)
	require.NotNil(t, snap.Subject)
	assert.Equal(t, "me.png", snap.Subject.Name)
	assert.Equal(t, len(pngBytes), snap.Subject.Size)

	snap = env.upload(t, id, models.RoleGarment, "shirt.png")
	assert.Equal(t, session.StateReady, snap.State)
	assert.True(t, snap.CanGenerate)

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap = decode[session.Snapshot](t, resp)
	assert.Equal(t, session.StateGenerating, snap.State)

	env.waitFor(t, id, session.StateSucceeded)

	snap = env.snapshot(t, id)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("generated-png")), snap.Result)
	assert.Empty(t, snap.Error)
	assert.Equal(t, int32(1), env.provider.calls.Load())

	req := env.provider.lastReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, "try it on", req.Instruction)
	assert.Equal(t, pngBytes, req.Subject.Data)
	assert.Equal(t, pngBytes, req.Garment.Data)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/result", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="gemini-try-on.png"`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("generated-png"), body)
}

func TestGenerateFailureShowsProviderMessage(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.provider.err = errors.New("Quota exceeded for this project")
	id := env.createSession(t)
	env.upload(t, id, models.RoleSubject, "me.png")
	env.upload(t, id, models.RoleGarment, "shirt.png")

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env.waitFor(t, id, session.StateFailed)
	snap := env.snapshot(t, id)
	assert.Equal(t, "Quota exceeded for this project", snap.Error)
	assert.Empty(t, snap.Result)
	assert.True(t, snap.CanGenerate, "failures are recoverable")

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/result", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGenerateNotReady(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createSession(t)
	env.upload(t, id, models.RoleSubject, "me.png")

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "not_ready", decode[ErrorResponse](t, resp).Error)
	assert.Equal(t, int32(0), env.provider.calls.Load())
}

func TestGenerateWhileInFlight(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.provider.gate = make(chan struct{})
	id := env.createSession(t)
	env.upload(t, id, models.RoleSubject, "me.png")
	env.upload(t, id, models.RoleGarment, "shirt.png")

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, multipartUpload(t, http.MethodPut, "/api/sessions/"+id+"/slots/subject", "x.png", "image/png", pngBytes))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id+"/slots/garment", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(env.provider.gate)
	env.waitFor(t, id, session.StateSucceeded)
	assert.Equal(t, int32(1), env.provider.calls.Load())
}

func TestResetDuringFlight(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.provider.gate = make(chan struct{})
	id := env.createSession(t)
	env.upload(t, id, models.RoleSubject, "me.png")
	env.upload(t, id, models.RoleGarment, "shirt.png")

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return env.provider.calls.Load() == 1 }, time.Second, time.Millisecond)

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/reset", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateIdle, decode[session.Snapshot](t, resp).State)

	close(env.provider.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.runner.Shutdown(ctx))

	snap := env.snapshot(t, id)
	assert.Equal(t, session.StateIdle, snap.State)
	assert.Nil(t, snap.Subject)
	assert.Nil(t, snap.Garment)
	assert.Empty(t, snap.Result)
	assert.Empty(t, snap.Error)
}

func TestUploadDataURL(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createSession(t)

	payload, err := json.Marshal(map[string]string{
		"name":    "garment.png",
		"dataUrl": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/sessions/"+id+"/slots/garment", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decode[session.Snapshot](t, resp)
	require.NotNil(t, snap.Garment)
	assert.Equal(t, "garment.png", snap.Garment.Name)
	assert.Equal(t, "image/png", snap.Garment.MIMEType)
}

func TestUploadFailures(t *testing.T) {
	env := newTestEnv(t, Options{})

	t.Run("bad data URL becomes failed outcome", func(t *testing.T) {
		id := env.createSession(t)
		req := httptest.NewRequest(http.MethodPut, "/api/sessions/"+id+"/slots/subject",
			strings.NewReader(`{"name":"x.png","dataUrl":"data:image/png;base64,***"}`))
		req.Header.Set("Content-Type", "application/json")

		resp := env.do(t, req)
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "intake_failed", decode[ErrorResponse](t, resp).Error)

		snap := env.snapshot(t, id)
		assert.Equal(t, session.StateFailed, snap.State)
		assert.Contains(t, snap.Error, "invalid data URL")
		assert.Nil(t, snap.Subject)
	})

	t.Run("empty file", func(t *testing.T) {
		id := env.createSession(t)
		resp := env.do(t, multipartUpload(t, http.MethodPut, "/api/sessions/"+id+"/slots/subject", "empty.png", "image/png", nil))
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, session.StateFailed, env.snapshot(t, id).State)
	})

	t.Run("missing file field", func(t *testing.T) {
		id := env.createSession(t)
		req := httptest.NewRequest(http.MethodPut, "/api/sessions/"+id+"/slots/subject", strings.NewReader("nothing"))
		req.Header.Set("Content-Type", "text/plain")

		resp := env.do(t, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, session.StateIdle, env.snapshot(t, id).State, "malformed requests are not intake failures")
	})

	t.Run("unknown role", func(t *testing.T) {
		id := env.createSession(t)
		resp := env.do(t, multipartUpload(t, http.MethodPut, "/api/sessions/"+id+"/slots/hat", "x.png", "image/png", pngBytes))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "invalid_role", decode[ErrorResponse](t, resp).Error)
	})
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, Options{BodyLimit: 1024})
	id := env.createSession(t)

	// app.Test surfaces the limit as a transport error, so go through a
	// real listener to see the response a browser gets.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = env.srv.App().Listener(ln) }()
	t.Cleanup(func() { _ = env.srv.App().Shutdown() })

	req := multipartUpload(t, http.MethodPut, "http://"+ln.Addr().String()+"/api/sessions/"+id+"/slots/subject", "big.png", "image/png", bytes.Repeat([]byte{1}, 4096))
	req.RequestURI = ""

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "payload_too_large", decode[ErrorResponse](t, resp).Error)

	assert.Nil(t, env.snapshot(t, id).Subject)
}

func TestBothSlotsSurviveLaterRequests(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createSession(t)

	subject := env.upload(t, id, models.RoleSubject, "me.png")
	env.upload(t, id, models.RoleGarment, "shirt.png")

	// Unrelated requests reuse the server's buffers.
	for _, path := range []string{"/health", "/api/sessions/" + id, "/api/sessions/missing-session-id"} {
		resp := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		resp.Body.Close()
	}

	snap := env.snapshot(t, id)
	assert.Equal(t, session.StateReady, snap.State)
	assert.True(t, snap.CanGenerate)
	require.NotNil(t, snap.Subject)
	require.NotNil(t, snap.Garment)
	assert.Equal(t, subject.Subject.PreviewID, snap.Subject.PreviewID)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/slots/subject/preview", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitFor(t, id, session.StateSucceeded)
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createSession(t)
	first := env.upload(t, id, models.RoleSubject, "me.png")

	url := "/api/sessions/" + id + "/slots/subject/preview?v=" + first.Subject.PreviewID
	resp := env.do(t, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, `inline; filename="me.png"`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, body)

	second := env.upload(t, id, models.RoleSubject, "again.png")
	assert.NotEqual(t, first.Subject.PreviewID, second.Subject.PreviewID)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, url, nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "superseded preview id")

	resp = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id+"/slots/subject", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decode[session.Snapshot](t, resp).Subject)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/slots/subject/preview", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.createSession(t)

	resp := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, env.sessions.Len())

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGenerateRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 1})
	id := env.createSession(t)

	// The first request spends the only token even though it is rejected.
	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/generate", nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", decode[ErrorResponse](t, resp).Error)

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "only generate is limited")
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp = env.do(t, req)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-Id"))
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, resp).Error)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.createSession(t)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tryon_http_requests_total")
	assert.Contains(t, string(body), "tryon_sessions_active 1")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{session.ErrBusy, http.StatusConflict},
		{session.ErrNotReady, http.StatusConflict},
		{session.ErrShuttingDown, http.StatusServiceUnavailable},
		{models.ErrEmptyImage, http.StatusUnprocessableEntity},
		{errors.New("surprise"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		status, _ := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{fiber.StatusNotFound, "not_found"},
		{fiber.StatusRequestEntityTooLarge, "payload_too_large"},
		{fiber.StatusTooManyRequests, "too_many_requests"},
		{fiber.StatusServiceUnavailable, "service_unavailable"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.status), "status %d", tt.status)
	}
}

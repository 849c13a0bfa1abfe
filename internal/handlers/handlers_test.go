package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/fibroscan/internal/auth"
	"github.com/example/fibroscan/internal/diagnosis"
	"github.com/example/fibroscan/internal/imagestore"
	"github.com/example/fibroscan/internal/inference"
	"github.com/example/fibroscan/internal/progress"
	"github.com/example/fibroscan/internal/session"
)

const testSecret = "test-secret"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubClient struct {
	outcome *inference.Outcome
	err     error
}

func (s *stubClient) Analyze(ctx context.Context, img inference.Image) (*inference.Outcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

type testServer struct {
	router   *gin.Engine
	registry *session.Registry
	backend  *imagestore.MemoryBackend
}

func newTestServer(t *testing.T, client inference.Client) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := imagestore.NewMemoryBackend()
	registry := session.NewRegistry(session.Dependencies{
		Store:  imagestore.NewStore(backend, time.Minute, zap.NewNop()),
		Client: client,
		Simulator: &progress.Simulator{
			Interval: time.Millisecond,
			MinStep:  progress.DefaultMinStep,
			MaxStep:  progress.DefaultMaxStep,
			Ceiling:  progress.DefaultCeiling,
		},
		Logger:       zap.NewNop(),
		ModelVersion: "v-test",
	})

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	issue := func(id string) (string, error) {
		return auth.IssueSessionToken(testSecret, id, time.Hour, time.Now())
	}
	RegisterRoutes(router, registry, issue, auth.SessionMiddleware(testSecret), zap.NewNop())
	return &testServer{router: router, registry: registry, backend: backend}
}

func (s *testServer) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) startSession(t *testing.T) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/sessions", "", nil, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var payload struct {
		Token string       `json:"token"`
		View  session.View `json:"view"`
	}
	decode(t, resp, &payload)
	if payload.Token == "" || payload.View.State != "landing" {
		t.Fatalf("unexpected session payload %+v", payload)
	}
	return payload.Token
}

func (s *testServer) openUpload(t *testing.T, token string) {
	t.Helper()
	if resp := s.do(t, http.MethodPost, "/session/upload", token, nil, ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 opening upload, got %d", resp.Code)
	}
}

func (s *testServer) upload(t *testing.T, token, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	return s.do(t, http.MethodPut, "/session/image", token, body, formType)
}

func (s *testServer) waitIdle(t *testing.T, token string) session.View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var view session.View
		decode(t, s.do(t, http.MethodGet, "/session", token, nil, ""), &view)
		if !view.Analyzing {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("analysis did not settle")
	return session.View{}
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode %q: %v", resp.Body.String(), err)
	}
}

func TestAnalysisFlow(t *testing.T) {
	client := &stubClient{outcome: &inference.Outcome{
		Probabilities:  diagnosis.NewVector(0.05, 0.10, 0.15, 0.30, 0.40),
		ProcessingTime: 2 * time.Second,
	}}
	srv := newTestServer(t, client)
	token := srv.startSession(t)
	srv.openUpload(t, token)

	resp := srv.upload(t, token, "image/png", pngHeader)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var selected struct {
		Accepted bool         `json:"accepted"`
		View     session.View `json:"view"`
	}
	decode(t, resp, &selected)
	if !selected.Accepted || selected.View.Image == nil {
		t.Fatalf("expected image to be accepted, got %+v", selected)
	}

	imgResp := srv.do(t, http.MethodGet, "/session/image/"+string(selected.View.Image.Handle), token, nil, "")
	if imgResp.Code != http.StatusOK || !bytes.Equal(imgResp.Body.Bytes(), pngHeader) {
		t.Fatalf("expected image bytes back, got %d", imgResp.Code)
	}
	if ct := imgResp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if resp := srv.do(t, http.MethodPost, "/session/analyze", token, nil, ""); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	view := srv.waitIdle(t, token)
	if view.State != "result" || view.Result == nil {
		t.Fatalf("expected result view, got %+v", view)
	}
	if view.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", view.Progress)
	}
	if view.Result.Diagnosis != "F4 - Fibrosis avanzada con nódulos de regeneración (Cirrosis)" {
		t.Fatalf("unexpected diagnosis %q", view.Result.Diagnosis)
	}
	if view.Result.ProcessingTime != "2.00" || view.Result.ModelVersion != "v-test" {
		t.Fatalf("unexpected metadata %+v", view.Result)
	}

	newResp := srv.do(t, http.MethodPost, "/session/new", token, nil, "")
	if newResp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", newResp.Code)
	}
	if srv.backend.Len() != 0 {
		t.Fatalf("expected display handle released, %d left", srv.backend.Len())
	}
}

func TestAnalyzeServerErrorStaysOnUpload(t *testing.T) {
	srv := newTestServer(t, &stubClient{err: &inference.ServerError{StatusCode: http.StatusInternalServerError}})
	token := srv.startSession(t)
	srv.openUpload(t, token)
	if resp := srv.upload(t, token, "image/png", pngHeader); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	if resp := srv.do(t, http.MethodPost, "/session/analyze", token, nil, ""); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	view := srv.waitIdle(t, token)
	if view.State != "upload" || view.Progress != 0 {
		t.Fatalf("expected upload with progress 0, got %s/%d", view.State, view.Progress)
	}
	if !strings.Contains(view.Error, "500") {
		t.Fatalf("expected one error mentioning 500, got %q", view.Error)
	}

	if resp := srv.do(t, http.MethodPost, "/session/analyze", token, nil, ""); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 before acknowledgement, got %d", resp.Code)
	}
	ack := srv.do(t, http.MethodPost, "/session/error/ack", token, nil, "")
	var acked session.View
	decode(t, ack, &acked)
	if acked.Error != "" {
		t.Fatalf("expected error cleared, got %q", acked.Error)
	}
}

func TestSelectImageIgnoresNonImage(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	token := srv.startSession(t)
	srv.openUpload(t, token)

	resp := srv.upload(t, token, "text/plain", []byte("hello"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Accepted bool         `json:"accepted"`
		View     session.View `json:"view"`
	}
	decode(t, resp, &payload)
	if payload.Accepted || payload.View.Image != nil || payload.View.Error != "" {
		t.Fatalf("expected the file to be silently ignored, got %+v", payload)
	}
}

func TestSelectImageSniffsMissingContentType(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	token := srv.startSession(t)
	srv.openUpload(t, token)

	resp := srv.upload(t, token, "", pngHeader)
	var payload struct {
		Accepted bool         `json:"accepted"`
		View     session.View `json:"view"`
	}
	decode(t, resp, &payload)
	if !payload.Accepted || payload.View.Image.MIMEType != "image/png" {
		t.Fatalf("expected sniffed png, got %+v", payload)
	}
}

func TestSelectImageRejectsLargeUpload(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	token := srv.startSession(t)
	srv.openUpload(t, token)

	resp := srv.upload(t, token, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestSessionRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	if resp := srv.do(t, http.MethodGet, "/session", "", nil, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	orphan, err := auth.IssueSessionToken(testSecret, "no-such-session", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if resp := srv.do(t, http.MethodGet, "/session", orphan, nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	token := srv.startSession(t)
	if resp := srv.do(t, http.MethodPost, "/session/new", token, nil, ""); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if resp := srv.do(t, http.MethodPost, "/session/analyze", token, nil, ""); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestEndSessionReleasesImage(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	token := srv.startSession(t)
	srv.openUpload(t, token)
	srv.upload(t, token, "image/png", pngHeader)

	if resp := srv.do(t, http.MethodDelete, "/session", token, nil, ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if srv.backend.Len() != 0 || srv.registry.Len() != 0 {
		t.Fatalf("expected session and handle gone, got %d handles, %d sessions", srv.backend.Len(), srv.registry.Len())
	}
}

func TestMetricsSummaryRequiresToken(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	if resp := srv.do(t, http.MethodGet, "/metrics/summary", "", nil, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp := srv.do(t, http.MethodGet, "/metrics/summary", "not-a-token", nil, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", resp.Code)
	}
}

func TestMetricsSummaryDisabled(t *testing.T) {
	srv := newTestServer(t, &stubClient{})
	token := srv.startSession(t)
	if resp := srv.do(t, http.MethodGet, "/metrics/summary", token, nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

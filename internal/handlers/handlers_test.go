package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/gesture-api/internal/auth"
	"github.com/example/gesture-api/internal/recognizer"
	"github.com/example/gesture-api/internal/tempstore"
	"github.com/example/gesture-api/internal/usecase"
)

const (
	testJWTSecret = "test-secret"
	maxUpload     = 1 << 20
)

type stubRecognizer struct {
	result *recognizer.Result
	err    error
	panics bool

	mu    sync.Mutex
	calls int
}

func (s *stubRecognizer) Recognize(ctx context.Context, path string) (*recognizer.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if s.panics {
		panic("index out of range in model runtime")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func okayResult() *recognizer.Result {
	return &recognizer.Result{
		Handedness: []recognizer.Category{{CategoryName: "Left", Score: 0.93}, {CategoryName: "Right", Score: 0.07}},
		Gestures:   []recognizer.Category{{CategoryName: "ILoveYou", Score: 0.81}, {CategoryName: "Open_Palm", Score: 0.1}},
	}
}

func newTestRouter(t *testing.T, rec recognizer.Recognizer, guards ...gin.HandlerFunc) (*gin.Engine, string) {
	t.Helper()
	return newLoggedRouter(t, rec, zap.NewNop(), guards...)
}

func newLoggedRouter(t *testing.T, rec recognizer.Recognizer, logger *zap.Logger, guards ...gin.HandlerFunc) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := tempstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create temp store: %v", err)
	}
	policy := usecase.UploadPolicy{AllowedExtensions: []string{"jpg", "jpeg", "png", "gif"}, MaxBytes: maxUpload}
	uc := usecase.NewRecognitionUseCase(store, rec, policy, logger)

	router := gin.New()
	router.MaxMultipartMemory = 4 << 20
	router.Use(RequestID(), RequestLogger(logger), Recovery(logger))
	RegisterRoutes(router, uc, logger, guards...)
	return router, store.Dir()
}

func buildMultipartBody(t *testing.T, field, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", "application/octet-stream")

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

func doPredict(router http.Handler, body *bytes.Buffer, contentType string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, resp.Body.String())
	}
	return body
}

func dirSize(t *testing.T, dir string) int64 {
	t.Helper()
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk %s: %v", dir, err)
	}
	return total
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d files", len(entries))
	}
}

func TestPredictSuccess(t *testing.T) {
	rec := &stubRecognizer{result: okayResult()}
	router, dir := newTestRouter(t, rec)

	body, contentType := buildMultipartBody(t, "image_file", "hand.jpg", []byte("jpeg-bytes"))
	resp := doPredict(router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	got := decodeBody(t, resp)
	if got["handedness"] != "Left" || got["gesture"] != "ILoveYou" {
		t.Fatalf("unexpected body %v", got)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly handedness and gesture, got %v", got)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected X-Request-ID on response")
	}
	assertNoTempFiles(t, dir)
}

func TestPredictClientErrors(t *testing.T) {
	notFound := "Image file not found. Ensure that multipart/form-data contains key - 'image_file'"
	unsupported := "Unsupported file format. Supported formats: jpg, jpeg, png, gif"

	tests := []struct {
		name       string
		field      string
		filename   string
		payload    []byte
		wantStatus int
		wantError  string
	}{
		{name: "missing field", field: "photo", filename: "hand.jpg", payload: []byte("x"), wantStatus: http.StatusBadRequest, wantError: notFound},
		{name: "empty filename", field: "image_file", filename: "", payload: []byte{}, wantStatus: http.StatusBadRequest, wantError: "No selected file"},
		{name: "bmp", field: "image_file", filename: "hand.bmp", payload: []byte("x"), wantStatus: http.StatusBadRequest, wantError: unsupported},
		{name: "double extension", field: "image_file", filename: "hand.png.exe", payload: []byte("x"), wantStatus: http.StatusBadRequest, wantError: unsupported},
		{name: "no extension", field: "image_file", filename: "hand", payload: []byte("x"), wantStatus: http.StatusBadRequest, wantError: unsupported},
		{name: "too large", field: "image_file", filename: "hand.GIF", payload: bytes.Repeat([]byte("a"), maxUpload+1), wantStatus: http.StatusRequestEntityTooLarge, wantError: "File exceeds maximum size of 1 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, dir := newTestRouter(t, &stubRecognizer{result: okayResult()})

			body, contentType := buildMultipartBody(t, tt.field, tt.filename, tt.payload)
			resp := doPredict(router, body, contentType)

			if resp.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, resp.Code, resp.Body.String())
			}
			if got := decodeBody(t, resp)["error"]; got != tt.wantError {
				t.Fatalf("expected error %q, got %q", tt.wantError, got)
			}
			assertNoTempFiles(t, dir)
		})
	}
}

func TestPredictTextFieldIsNoSelectedFile(t *testing.T) {
	router, dir := newTestRouter(t, &stubRecognizer{result: okayResult()})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("image_file", "not-a-file"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	resp := doPredict(router, body, writer.FormDataContentType())
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if got := decodeBody(t, resp)["error"]; got != "No selected file" {
		t.Fatalf("unexpected error %q", got)
	}
	assertNoTempFiles(t, dir)
}

func TestPredictLongFilename(t *testing.T) {
	rec := &stubRecognizer{result: okayResult()}
	router, dir := newTestRouter(t, rec)

	body, contentType := buildMultipartBody(t, "image_file", strings.Repeat("a", 250)+".jpg", []byte("jpeg"))
	resp := doPredict(router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
	assertNoTempFiles(t, dir)
}

func TestPredictRejectsLargeBodyBeforeParsing(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
	}{
		{name: "declared length", streaming: false},
		{name: "chunked body", streaming: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &stubRecognizer{result: okayResult()}
			router, dir := newTestRouter(t, rec)
			router.MaxMultipartMemory = 1 << 10

			spill := t.TempDir()
			t.Setenv("TMPDIR", spill)

			body, contentType := buildMultipartBody(t, "image_file", "hand.jpg", bytes.Repeat([]byte("a"), 8<<20))
			var reader io.Reader = body
			if tt.streaming {
				// Hides the length so the request is read without Content-Length.
				reader = io.MultiReader(body)
			}
			req := httptest.NewRequest(http.MethodPost, "/predict", reader)
			req.Header.Set("Content-Type", contentType)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected status %d, got %d (%s)", http.StatusRequestEntityTooLarge, resp.Code, resp.Body.String())
			}
			if got := decodeBody(t, resp)["error"]; got != "File exceeds maximum size of 1 MB" {
				t.Fatalf("unexpected error %q", got)
			}
			if rec.calls != 0 {
				t.Fatal("recognizer must not run for oversized bodies")
			}
			if spilled := dirSize(t, spill); spilled > maxUpload+multipartSlack {
				t.Fatalf("%d bytes were written to the system temp dir", spilled)
			}
			assertNoTempFiles(t, dir)
		})
	}
}

func TestPredictNotMultipart(t *testing.T) {
	router, dir := newTestRouter(t, &stubRecognizer{result: okayResult()})

	resp := doPredict(router, bytes.NewBufferString(`{"image_file":"hand.jpg"}`), "application/json")

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if !strings.HasPrefix(decodeBody(t, resp)["error"], "Image file not found") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	assertNoTempFiles(t, dir)
}

func TestPredictNoGestureRecognized(t *testing.T) {
	router, dir := newTestRouter(t, &stubRecognizer{})

	body, contentType := buildMultipartBody(t, "image_file", "blank.png", []byte("png"))
	resp := doPredict(router, body, contentType)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
	if got := decodeBody(t, resp)["error"]; got != "No gesture recognized. Please try again with a different image." {
		t.Fatalf("unexpected error %q", got)
	}
	assertNoTempFiles(t, dir)
}

func TestPredictRecognizerFailureDoesNotLeak(t *testing.T) {
	rec := &stubRecognizer{err: errors.New("tflite: failed to load /opt/models/gesture_recognizer.task: panic at line 42")}
	router, dir := newTestRouter(t, rec)

	body, contentType := buildMultipartBody(t, "image_file", "hand.jpeg", []byte("jpeg"))
	resp := doPredict(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	got := decodeBody(t, resp)
	if got["error"] != "Internal Server Error" || len(got) != 1 {
		t.Fatalf("unexpected body %v", got)
	}
	for _, leak := range []string{"tflite", "/opt/models", "panic", "usecase."} {
		if strings.Contains(resp.Body.String(), leak) {
			t.Fatalf("response leaked %q: %s", leak, resp.Body.String())
		}
	}
	assertNoTempFiles(t, dir)
}

func TestPredictInternalErrorLogsOperation(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	router, _ := newLoggedRouter(t, &stubRecognizer{err: errors.New("model unavailable")}, zap.New(core))

	body, contentType := buildMultipartBody(t, "image_file", "hand.jpg", []byte("jpeg"))
	resp := doPredict(router, body, contentType, RequestIDHeader, "trace-500")
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}

	failures := logs.FilterMessage("request failed").All()
	if len(failures) != 1 {
		t.Fatalf("expected one failure log, got %d", len(failures))
	}
	fields := failures[0].ContextMap()
	if fields["operation"] != "usecase.recognize" || fields["request_id"] != "trace-500" {
		t.Fatalf("unexpected log fields %v", fields)
	}
}

func TestPredictRecognizerPanicIsGeneric500(t *testing.T) {
	router, dir := newTestRouter(t, &stubRecognizer{panics: true})

	body, contentType := buildMultipartBody(t, "image_file", "hand.png", []byte("png"))
	resp := doPredict(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if got := decodeBody(t, resp)["error"]; got != "Internal Server Error" {
		t.Fatalf("unexpected error %q", got)
	}
	if strings.Contains(resp.Body.String(), "index out of range") {
		t.Fatalf("response leaked panic value: %s", resp.Body.String())
	}
	assertNoTempFiles(t, dir)
}

func TestPredictRepeatedUploadsAreStable(t *testing.T) {
	rec := &stubRecognizer{result: okayResult()}
	router, dir := newTestRouter(t, rec)

	for i := 0; i < 5; i++ {
		body, contentType := buildMultipartBody(t, "image_file", "hand.png", []byte("same-image"))
		resp := doPredict(router, body, contentType)
		if resp.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected status 200, got %d", i, resp.Code)
		}
		got := decodeBody(t, resp)
		if got["handedness"] != "Left" || got["gesture"] != "ILoveYou" {
			t.Fatalf("attempt %d: unexpected body %v", i, got)
		}
	}
	assertNoTempFiles(t, dir)
}

func TestPredictConcurrentSameFilename(t *testing.T) {
	rec := &stubRecognizer{result: okayResult()}
	router, dir := newTestRouter(t, rec)

	const workers = 16
	var wg sync.WaitGroup
	codes := make(chan int, workers)
	for i := 0; i < workers; i++ {
		body, contentType := buildMultipartBody(t, "image_file", "hand.png", []byte(fmt.Sprintf("image-%d", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- doPredict(router, body, contentType).Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("expected every upload to succeed, got %d", code)
		}
	}
	if rec.calls != workers {
		t.Fatalf("expected %d recognizer calls, got %d", workers, rec.calls)
	}
	assertNoTempFiles(t, dir)
}

func TestPredictRequiresTokenWhenAuthEnabled(t *testing.T) {
	rec := &stubRecognizer{result: okayResult()}
	router, _ := newTestRouter(t, rec, auth.BearerJWT(testJWTSecret, ""))

	body, contentType := buildMultipartBody(t, "image_file", "hand.jpg", []byte("jpeg"))
	resp := doPredict(router, body, contentType)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	if rec.calls != 0 {
		t.Fatal("recognizer must not run for unauthenticated requests")
	}

	body, contentType = buildMultipartBody(t, "image_file", "hand.jpg", []byte("jpeg"))
	resp = doPredict(router, body, contentType, "Authorization", "Bearer "+buildTestToken(t, "user-123"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &stubRecognizer{}, auth.BearerJWT(testJWTSecret, ""))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if decodeBody(t, resp)["status"] != "ok" {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	router, _ := newTestRouter(t, &stubRecognizer{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if got := resp.Header().Get(RequestIDHeader); got != "trace-abc" {
		t.Fatalf("expected incoming request id to be echoed, got %q", got)
	}
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"realtyhub/internal/identityclient"
	"realtyhub/internal/listingclient"
	"realtyhub/internal/realtorclient"
	"realtyhub/internal/upload"
	"realtyhub/internal/workflow"
)

type memStore struct {
	objects   map[string][]byte
	puts      int
	failPutAt int
	deletes   []string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.puts++
	if m.failPutAt > 0 && m.puts >= m.failPutAt {
		return "", errors.New("storage outage")
	}
	m.objects[key] = data
	return "http://objects.local/listing-images/" + key, nil
}

func (m *memStore) Delete(_ context.Context, url string) error {
	m.deletes = append(m.deletes, url)
	delete(m.objects, strings.TrimPrefix(url, "http://objects.local/listing-images/"))
	return nil
}

type backendState struct {
	status    int
	body      string
	creates   int
	lastDraft map[string]any
}

// testEnv stands up the three external services plus an in-memory object
// store behind a fully wired server.
type testEnv struct {
	store   *memStore
	backend *backendState
	handler http.Handler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/users/me/" || r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "username": "agent"})
	}))
	t.Cleanup(identitySrv.Close)

	realtorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/realtors/" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("user") != "42" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id": 7}]`))
	}))
	t.Cleanup(realtorSrv.Close)

	backend := &backendState{status: http.StatusCreated}
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend.creates++
		var draft map[string]any
		_ = json.NewDecoder(r.Body).Decode(&draft)
		backend.lastDraft = draft
		if backend.status >= 400 {
			w.WriteHeader(backend.status)
			_, _ = w.Write([]byte(backend.body))
			return
		}
		w.WriteHeader(backend.status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": 101, "realtor": 7, "title": draft["title"],
		})
	}))
	t.Cleanup(backendSrv.Close)

	store := newMemStore()
	cfg.Workflow = workflow.New(workflow.Config{
		Identity: identityclient.NewClient(identitySrv.URL, time.Second),
		Realtors: realtorclient.NewClient(realtorSrv.URL, time.Second),
		Limits: upload.Limits{
			MaxFiles:         10,
			MaxBytes:         1 << 20,
			AllowedMIMETypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
		Uploader: upload.NewOrchestrator(store),
		Rollback: upload.NewCoordinator(store),
		Listings: listingclient.NewClient(backendSrv.URL, time.Second),
	})
	cfg.ImageLimits = upload.Limits{MaxFiles: 10, MaxBytes: 1 << 20}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{store: store, backend: backend, handler: srv.Router()}
}

const validDraft = `{"title":"Bungalow","description":"Cozy","price":450000,` +
	`"address":"12 Oak St","city":"Portland","state":"OR","zipcode":"97201",` +
	`"property_type":"house","bedrooms":3,"bathrooms":1.5,"sqft":1400}`

type part struct {
	name string
	mime string
	data []byte
}

func multipartBody(t *testing.T, draft string, images []part) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if draft != "" {
		if err := writer.WriteField("propertyData", draft); err != nil {
			t.Fatalf("write propertyData: %v", err)
		}
	}
	for _, img := range images {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="images"; filename="%s"`, img.name)}
		header["Content-Type"] = []string{img.mime}
		w, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := w.Write(img.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func jpegParts(n int) []part {
	parts := make([]part, n)
	for i := range parts {
		parts[i] = part{name: fmt.Sprintf("img-%d.jpg", i), mime: "image/jpeg", data: []byte("fake-jpeg")}
	}
	return parts
}

func createRequest(t *testing.T, token, draft string, images []part) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, draft, images)
	req := httptest.NewRequest(http.MethodPost, "/api/properties", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, []string) {
	t.Helper()
	var resp struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error, resp.Details
}

func TestCreatePropertySuccess(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "good-token", validDraft, jpegParts(3)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success  bool           `json:"success"`
		Message  string         `json:"message"`
		Property map[string]any `json:"property"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Property["id"] != float64(101) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(env.store.objects) != 3 {
		t.Fatalf("all three images must remain in the store, got %d", len(env.store.objects))
	}
	if env.backend.lastDraft["realtor"] != float64(7) {
		t.Fatalf("resolved realtor must be injected into the payload: %v", env.backend.lastDraft)
	}
	if env.backend.lastDraft["photo_main"] == "" || env.backend.lastDraft["photo_main"] == nil {
		t.Fatalf("photo_main must carry the first uploaded url: %v", env.backend.lastDraft)
	}
}

func TestCreatePropertyWithoutToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "", validDraft, jpegParts(1)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if env.store.puts != 0 || env.backend.creates != 0 {
		t.Fatalf("nothing may reach storage or backend without credentials")
	}
}

func TestCreatePropertyRejectedToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "expired-token", validDraft, jpegParts(1)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	msg, _ := decodeError(t, rec)
	if msg != "invalid or expired credentials" {
		t.Fatalf("unexpected error message: %q", msg)
	}
}

func TestCreatePropertyNoRealtorProfile(t *testing.T) {
	// Identity succeeds but the directory has no record for this user.
	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 99, "username": "no-profile"})
	}))
	defer identitySrv.Close()

	realtorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer realtorSrv.Close()

	store := newMemStore()
	wf := workflow.New(workflow.Config{
		Identity: identityclient.NewClient(identitySrv.URL, time.Second),
		Realtors: realtorclient.NewClient(realtorSrv.URL, time.Second),
		Limits:   upload.Limits{MaxFiles: 10, MaxBytes: 1 << 20, AllowedMIMETypes: []string{"image/jpeg"}},
		Uploader: upload.NewOrchestrator(store),
		Rollback: upload.NewCoordinator(store),
		Listings: listingclient.NewClient("http://127.0.0.1:1", time.Second),
	})
	srv, err := New(Config{Workflow: wf, ImageLimits: upload.Limits{MaxFiles: 10, MaxBytes: 1 << 20}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, createRequest(t, "good-token", validDraft, jpegParts(1)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	msg, _ := decodeError(t, rec)
	if msg != "Realtor profile not found" {
		t.Fatalf("unexpected error message: %q", msg)
	}
	if store.puts != 0 {
		t.Fatalf("no uploads may happen without a realtor profile")
	}
}

func TestCreatePropertyInvalidImageType(t *testing.T) {
	env := newTestEnv(t, Config{})
	images := append(jpegParts(1), part{name: "contract.pdf", mime: "application/pdf", data: []byte("%PDF-")})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "good-token", validDraft, images))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	_, details := decodeError(t, rec)
	if len(details) == 0 || !strings.Contains(details[0], "contract.pdf") {
		t.Fatalf("details must name the offending file: %v", details)
	}
	if env.store.puts != 0 {
		t.Fatalf("rejected batches must not touch the store")
	}
}

func TestCreatePropertyUploadFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.failPutAt = 3
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "good-token", validDraft, jpegParts(5)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.store.deletes) != 2 {
		t.Fatalf("the two uploaded blobs must get compensating deletes, got %d", len(env.store.deletes))
	}
	if len(env.store.objects) != 0 {
		t.Fatalf("store must be empty after rollback, %d objects remain", len(env.store.objects))
	}
	if env.backend.creates != 0 {
		t.Fatalf("backend create must not run after an upload failure")
	}
}

func TestCreatePropertyBackendRejectionPropagates(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.backend.status = http.StatusUnprocessableEntity
	env.backend.body = `{"price": ["A valid integer is required."]}`
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "good-token", validDraft, jpegParts(2)))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("backend status must propagate, got %d", rec.Code)
	}
	_, details := decodeError(t, rec)
	if len(details) == 0 || !strings.Contains(details[0], "price") {
		t.Fatalf("backend body must appear in details: %v", details)
	}
	if len(env.store.objects) != 0 {
		t.Fatalf("uploaded blobs must be compensated, %d remain", len(env.store.objects))
	}
}

func TestCreatePropertyMissingDraft(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "good-token", "", jpegParts(1)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	msg, _ := decodeError(t, rec)
	if msg != "propertyData is required" {
		t.Fatalf("unexpected error message: %q", msg)
	}
}

func TestCreatePropertyMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/properties", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCreatePropertyRateLimited(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, Config{Redis: client, CreateRateLimitPerMinute: 2})
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, createRequest(t, "good-token", validDraft, jpegParts(1)))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, createRequest(t, "good-token", validDraft, jpegParts(1)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestCreatePropertyDuplicateIdempotencyKey(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, Config{Redis: client, CreateRateLimitPerMinute: 100})

	first := createRequest(t, "good-token", validDraft, jpegParts(1))
	first.Header.Set("X-Idempotency-Key", "create-abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d: %s", rec.Code, rec.Body.String())
	}

	second := createRequest(t, "good-token", validDraft, jpegParts(1))
	second.Header.Set("X-Idempotency-Key", "create-abc")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate key must be rejected with 409, got %d", rec.Code)
	}
	if env.backend.creates != 1 {
		t.Fatalf("backend create must run exactly once, got %d", env.backend.creates)
	}
}

func TestCreatePropertyFailureReleasesIdempotencyKey(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, Config{Redis: client, CreateRateLimitPerMinute: 100})
	env.backend.status = http.StatusUnprocessableEntity
	env.backend.body = `{"price": ["invalid"]}`

	first := createRequest(t, "good-token", validDraft, jpegParts(1))
	first.Header.Set("X-Idempotency-Key", "create-abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	env.backend.status = http.StatusCreated
	retry := createRequest(t, "good-token", validDraft, jpegParts(1))
	retry.Header.Set("X-Idempotency-Key", "create-abc")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, retry)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after failure must be allowed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreatePropertyFormErrorReleasesIdempotencyKey(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, Config{Redis: client, CreateRateLimitPerMinute: 100})

	// The draft is missing, so the request dies before the workflow runs.
	broken := createRequest(t, "good-token", "", jpegParts(1))
	broken.Header.Set("X-Idempotency-Key", "create-xyz")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, broken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.backend.creates != 0 {
		t.Fatalf("nothing may reach the backend for a broken form")
	}

	// The fixed request reuses the key and must not see a 409.
	retry := createRequest(t, "good-token", validDraft, jpegParts(1))
	retry.Header.Set("X-Idempotency-Key", "create-xyz")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, retry)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after a form error must be allowed, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.backend.creates != 1 {
		t.Fatalf("backend create must run exactly once, got %d", env.backend.creates)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("middleware chain must set a request id")
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pii-engine/internal/engine"
	"pii-engine/internal/metrics"
	"pii-engine/internal/template"
)

func newTestServer(opts Options) *Server {
	eng := engine.New(engine.Options{Store: template.NewMemoryStore(), Metrics: metrics.New()})
	return New(eng, opts)
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth_NoAuth(t *testing.T) {
	h := newTestServer(Options{Token: "secret"}).Handler()
	w := do(t, h, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(Options{Token: "secret"})
	h := s.Handler()
	body := `{"text":"mail a@x.com"}`

	if w := do(t, h, http.MethodPost, "/v1/process_text", body, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/v1/process_text", body, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/v1/process_text", body, "secret"); w.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/metrics", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("metrics without token: expected 401, got %d", w.Code)
	}
	if got := s.metrics.AuthRejected.Load(); got != 3 {
		t.Errorf("AuthRejected: got %d, want 3", got)
	}
}

func TestProcessText(t *testing.T) {
	h := newTestServer(Options{}).Handler()
	w := do(t, h, http.MethodPost, "/v1/process_text",
		`{"text":"John Smith (john.smith@email.com)","action":"anonymize","save_template":true,"template_name":"t1"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res.Text != "<PERSON_1> (<EMAIL_ADDRESS_1>)" {
		t.Errorf("text: got %q", res.Text)
	}
	if len(res.Items) != 2 {
		t.Errorf("expected 2 items, got %d", len(res.Items))
	}
	if res.TemplateID == "" {
		t.Error("expected a template id")
	}

	w = do(t, h, http.MethodGet, "/v1/templates/"+res.TemplateID, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get template: expected 200, got %d", w.Code)
	}
	var tpl template.Template
	if err := json.Unmarshal(w.Body.Bytes(), &tpl); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if tpl.Name != "t1" || len(tpl.Entries) != 2 {
		t.Errorf("template: got name %q with %d entries", tpl.Name, len(tpl.Entries))
	}

	w = do(t, h, http.MethodGet, "/v1/templates", "", "")
	var list struct {
		Templates []template.Template `json:"templates"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(list.Templates) != 1 {
		t.Errorf("expected 1 template, got %d", len(list.Templates))
	}
}

func TestProcessText_BadRequests(t *testing.T) {
	h := newTestServer(Options{}).Handler()
	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"text":`, http.StatusBadRequest},
		{"unknown field", `{"text":"x","colour":"red"}`, http.StatusBadRequest},
		{"bad action", `{"text":"x","action":"encrypt"}`, http.StatusBadRequest},
		{"bad confidence", `{"text":"x","min_confidence":2}`, http.StatusBadRequest},
		{"required template missing", `{"text":"a@x.com","template_id":"nope","template_required":true}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		w := do(t, h, http.MethodPost, "/v1/process_text", tc.body, "")
		if w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestProcessText_WrongMethod(t *testing.T) {
	h := newTestServer(Options{}).Handler()
	if w := do(t, h, http.MethodGet, "/v1/process_text", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestTemplate_NotFound(t *testing.T) {
	h := newTestServer(Options{}).Handler()
	if w := do(t, h, http.MethodGet, "/v1/templates/missing", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestProcessFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(good, []byte("mail a@x.com"), 0o600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "b.pdf")
	if err := os.WriteFile(bad, []byte("%PDF"), 0o600); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(engine.FilesRequest{Files: []string{good, bad}})

	h := newTestServer(Options{}).Handler()
	w := do(t, h, http.MethodPost, "/v1/process_files", string(body), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 file results, got %d", len(res.Files))
	}
	if res.Files[0].Text != "mail <EMAIL_ADDRESS_1>" || res.Files[0].Error != "" {
		t.Errorf("file 0: got %+v", res.Files[0])
	}
	if res.Files[1].Error == "" {
		t.Error("file 1: expected an error")
	}

	if w := do(t, h, http.MethodPost, "/v1/process_files", `{"files":[]}`, ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty files: expected 400, got %d", w.Code)
	}
}

func TestProcessFiles_FileRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("mail a@x.com"), 0o600); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("mail b@x.com"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	h := newTestServer(Options{FileRoot: root}).Handler()
	cases := []struct {
		name string
		path string
		want int
	}{
		{"relative inside", "a.txt", http.StatusOK},
		{"absolute inside", filepath.Join(root, "a.txt"), http.StatusOK},
		{"absolute outside", outside, http.StatusForbidden},
		{"dot-dot escape", "../" + filepath.Base(filepath.Dir(outside)) + "/secret.txt", http.StatusForbidden},
		{"symlink escape", link, http.StatusForbidden},
	}
	for _, tc := range cases {
		body, _ := json.Marshal(engine.FilesRequest{Files: []string{tc.path}})
		w := do(t, h, http.MethodPost, "/v1/process_files", string(body), "")
		if w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestDeanonymize(t *testing.T) {
	h := newTestServer(Options{}).Handler()
	w := do(t, h, http.MethodPost, "/v1/deanonymize",
		`{"text":"hi <EMAIL_ADDRESS_1>","mappings":[{"original":"a@x.com","entity_type":"EMAIL_ADDRESS","substitute":"<EMAIL_ADDRESS_1>","action":"anonymize"}]}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.DeanonymizeResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res.Text != "hi a@x.com" || res.Restored != 1 {
		t.Errorf("got %+v", res)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(Options{RPM: 1, Burst: 1})
	h := s.Handler()
	if w := do(t, h, http.MethodGet, "/v1/templates", "", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/templates", "", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", w.Code)
	}
	if got := s.metrics.RateLimited.Load(); got != 1 {
		t.Errorf("RateLimited: got %d, want 1", got)
	}
	if w := do(t, h, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health is not rate limited: got %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	h := newTestServer(Options{}).Handler()
	do(t, h, http.MethodPost, "/v1/process_text", `{"text":"a@x.com"}`, "")
	w := do(t, h, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if snap.Requests.Text != 1 {
		t.Errorf("text requests: got %d, want 1", snap.Requests.Text)
	}
	if snap.Entities.ByType["EMAIL_ADDRESS"] != 1 {
		t.Errorf("EMAIL_ADDRESS count: got %d", snap.Entities.ByType["EMAIL_ADDRESS"])
	}
}

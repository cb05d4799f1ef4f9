package githost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(serverURL string) *Client {
	return New("test-token", serverURL)
}

func TestGetFileDecodesBase64(t *testing.T) {
	content := "def charge(amount):\n    return gateway.charge(amount)\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	// GitHub wraps base64 bodies in newlines.
	wrapped := encoded[:20] + "\n" + encoded[20:] + "\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/contents/src/payment.py" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ref"); got != "fix-branch" {
			t.Errorf("Expected ref=fix-branch, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Unexpected authorization header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"path":     "src/payment.py",
			"sha":      "abc123",
			"type":     "file",
			"encoding": "base64",
			"content":  wrapped,
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	file, err := client.GetFile(context.Background(), "acme/app", "src/payment.py", "fix-branch")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if file.Content != content {
		t.Errorf("Decoded content mismatch:\n%q", file.Content)
	}
	if file.SHA != "abc123" {
		t.Errorf("Expected sha abc123, got %s", file.SHA)
	}
}

func TestGetFileRejectsDirectories(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"type": "dir", "encoding": "", "content": ""})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.GetFile(context.Background(), "acme/app", "src", ""); err == nil {
		t.Fatal("Expected error for directory path")
	}
}

func TestCreateBranchPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/repos/acme/app/git/refs" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["ref"] != "refs/heads/triagent-fix-42-20250601-120000" {
			t.Errorf("Unexpected ref: %s", body["ref"])
		}
		if body["sha"] != "headsha" {
			t.Errorf("Unexpected sha: %s", body["sha"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.CreateBranch(context.Background(), "acme/app", "triagent-fix-42-20250601-120000", "headsha")
	if err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
}

func TestUpdateFileEncodesContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		decoded, err := base64.StdEncoding.DecodeString(body["content"])
		if err != nil {
			t.Fatalf("Content is not valid base64: %v", err)
		}
		if string(decoded) != "fixed content" {
			t.Errorf("Unexpected content: %q", decoded)
		}
		if body["branch"] != "fix-branch" || body["sha"] != "abc123" {
			t.Errorf("Unexpected branch/sha: %s/%s", body["branch"], body["sha"])
		}
		if body["message"] == "" {
			t.Error("Expected commit message")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.UpdateFile(context.Background(), "acme/app", "src/payment.py", "fix-branch",
		"Draft fix for issue #42", "fixed content", "abc123")
	if err != nil {
		t.Fatalf("UpdateFile failed: %v", err)
	}
}

func TestCreateDraftPull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/pulls" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["draft"] != true {
			t.Error("Expected draft=true")
		}
		if body["head"] != "fix-branch" || body["base"] != "main" {
			t.Errorf("Unexpected head/base: %v/%v", body["head"], body["base"])
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://github.com/acme/app/pull/7",
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	pr, err := client.CreateDraftPull(context.Background(), "acme/app", "DRAFT - Fix", "body", "fix-branch", "main")
	if err != nil {
		t.Fatalf("CreateDraftPull failed: %v", err)
	}
	if pr.Number != 7 {
		t.Errorf("Expected PR number 7, got %d", pr.Number)
	}
	if pr.HTMLURL != "https://github.com/acme/app/pull/7" {
		t.Errorf("Unexpected URL: %s", pr.HTMLURL)
	}
}

func TestAddLabels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/issues/7/labels" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var body map[string][]string
		json.NewDecoder(r.Body).Decode(&body)
		if len(body["labels"]) != 3 || body["labels"][0] != "DRAFT - Review Required" {
			t.Errorf("Unexpected labels: %v", body["labels"])
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.AddLabels(context.Background(), "acme/app", 7,
		[]string{"DRAFT - Review Required", "auto-generated", "bug-fix"})
	if err != nil {
		t.Fatalf("AddLabels failed: %v", err)
	}
}

func TestGetBranchHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/branches/main" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"commit": map[string]string{"sha": "headsha"},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	sha, err := client.GetBranchHead(context.Background(), "acme/app", "main")
	if err != nil {
		t.Fatalf("GetBranchHead failed: %v", err)
	}
	if sha != "headsha" {
		t.Errorf("Expected headsha, got %s", sha)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message": "Server Error"}`))
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message": "API rate limit exceeded"}`))
		default:
			json.NewEncoder(w).Encode(map[string]string{
				"full_name":      "acme/app",
				"default_branch": "main",
			})
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.backoff = func(int) time.Duration { return 0 }

	repo, err := client.GetRepo(context.Background(), "acme/app")
	if err != nil {
		t.Fatalf("GetRepo failed: %v", err)
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("Expected default branch main, got %s", repo.DefaultBranch)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.backoff = func(int) time.Duration { return 0 }

	_, err := client.GetRepo(context.Background(), "acme/app")
	if err == nil {
		t.Fatal("Expected error after exhausted retries")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("Error missing status: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}
}

func TestClientErrorsFailFast(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.backoff = func(int) time.Duration { return 0 }

	if _, err := client.GetFile(context.Background(), "acme/app", "missing.py", ""); err == nil {
		t.Fatal("Expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single request for a 404, got %d", got)
	}
}

func TestErrorsCarryAPIMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "Reference already exists"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.CreateBranch(context.Background(), "acme/app", "dup", "sha")
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "422") || !strings.Contains(err.Error(), "Reference already exists") {
		t.Errorf("Error missing status or API message: %v", err)
	}
}

func TestRepoFromURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://github.com/acme/app", "acme/app", false},
		{"https://github.com/acme/app/", "acme/app", false},
		{"https://github.com/acme/app/issues/3", "acme/app", false},
		{"acme/app", "acme/app", false},
		{"https://github.com/acme", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := RepoFromURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("RepoFromURL(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("RepoFromURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("RepoFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAvailable(t *testing.T) {
	if New("", "").Available() {
		t.Error("Client without token must not report available")
	}
	if !New("tok", "").Available() {
		t.Error("Client with token must report available")
	}
	var nilClient *Client
	if nilClient.Available() {
		t.Error("Nil client must not report available")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/target"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const gameInfo = `"GameInfo"
{
	FileSystem
	{
		SearchPaths
		{
			Game				dota
		}
	}
}
`

const signatures = `DOTA_SIGNATURES
gameinfo_branchspecific.gi~SHA1:0000000000000000000000000000000000000000;CRC:00000000
`

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newServer(t *testing.T) (*Server, *target.Target) {
	t.Helper()
	root := t.TempDir()
	write(t, filepath.Join(root, "game", "dota", "gameinfo_branchspecific.gi"), gameInfo)
	write(t, filepath.Join(root, "game", "bin", "win64", "dota.signatures"), signatures)
	write(t, filepath.Join(root, "game", "dota", "steam.inf"), "ClientVersion=1\nPatchVersion=1.0\n")
	tg := target.New(root, t.TempDir())

	logger := log.New(io.Discard)
	return New(install.New(install.Options{}, logger), tg, nil, logger), tg
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
}

func TestStatusNotInstalled(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "NotInstalled" || body["running"] != false {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestInstallPatchDisable(t *testing.T) {
	s, tg := newServer(t)
	payload := t.TempDir()
	write(t, filepath.Join(payload, "models", "a.vmdl_c"), "a")

	reqBody, _ := json.Marshal(map[string]any{
		"sources": []map[string]any{{"id": "set1", "local_path": payload}},
	})
	rec := do(t, s, http.MethodPost, "/api/install", string(reqBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("install: %d %s", rec.Code, rec.Body)
	}
	var res install.OperationResult
	decode(t, rec, &res)
	if !res.Success || !tg.HasArchive() {
		t.Fatalf("unexpected result %+v", res)
	}

	rec = do(t, s, http.MethodPost, "/api/patch", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "AlreadyPatched") {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodPost, "/api/disable", "")
	if rec.Code != http.StatusOK || tg.HasArchive() {
		t.Fatalf("disable: %d %s", rec.Code, rec.Body)
	}

	var status map[string]any
	decode(t, do(t, s, http.MethodGet, "/api/status", ""), &status)
	if status["status"] != "Disabled" {
		t.Fatalf("expected Disabled, got %v", status["status"])
	}
}

func TestRestoreAfterInstall(t *testing.T) {
	s, tg := newServer(t)
	payload := t.TempDir()
	write(t, filepath.Join(payload, "models", "a.vmdl_c"), "a")

	reqBody, _ := json.Marshal(map[string]any{
		"sources": []map[string]any{{"id": "set1", "local_path": payload}},
	})
	if rec := do(t, s, http.MethodPost, "/api/install", string(reqBody)); rec.Code != http.StatusOK {
		t.Fatalf("install: %d %s", rec.Code, rec.Body)
	}

	rec := do(t, s, http.MethodPost, "/api/restore", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rec.Code, rec.Body)
	}
	var body struct {
		Restored []string `json:"restored"`
	}
	decode(t, rec, &body)
	if len(body.Restored) == 0 {
		t.Fatalf("expected restored files, got %s", rec.Body)
	}
	for _, p := range body.Restored {
		if filepath.IsAbs(p) {
			t.Fatalf("expected target relative paths, got %q", p)
		}
	}
	if s.svc.Running(tg) {
		t.Fatal("restore must release the target lock")
	}
}

func TestInstallRejectsBadRequests(t *testing.T) {
	s, _ := newServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no sources", `{"sources": []}`},
		{"bad mode", `{"sources": [{"id": "a", "local_path": "/x"}], "mode": "sideways"}`},
		{"invalid source", `{"sources": [{"id": "a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, s, http.MethodPost, "/api/install", tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestPatchRejectsBadMode(t *testing.T) {
	s, _ := newServer(t)
	if rec := do(t, s, http.MethodPost, "/api/patch", `{"mode":"partial"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusCodes(t *testing.T) {
	s, _ := newServer(t)
	s.target = target.New(filepath.Join(t.TempDir(), "missing"), t.TempDir())
	rec := do(t, s, http.MethodPost, "/api/disable", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorResponse
	decode(t, rec, &body)
	if body.Kind != "TargetNotFound" || body.Hint == "" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestEventsStream(t *testing.T) {
	s, _ := newServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Hub().Broadcast(Message{Type: "stale", Data: map[string]string{"reason": "game updated"}})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"type":"stale"`)) || !bytes.Contains(data, []byte("game updated")) {
		t.Fatalf("unexpected message %s", data)
	}
}

func TestRunShutsDown(t *testing.T) {
	s, _ := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0", time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRequireAuth(t *testing.T) {
	s, _ := newServer(t)
	auth, err := NewAuth(nil)
	if err != nil {
		t.Fatal(err)
	}
	s.RequireAuth(auth)

	if rec := do(t, s, http.MethodGet, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	other, _ := NewAuth([]byte("another secret"))
	forged, _ := other.GenerateToken("frontend")
	if rec := do(t, s, http.MethodGet, "/api/status?token="+forged, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign token, got %d", rec.Code)
	}

	token, err := auth.GenerateToken("frontend")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wipeline/internal/config"
	"wipeline/internal/db"
	"wipeline/internal/domain"
	"wipeline/internal/engine"
	"wipeline/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, zerolog.Nop())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.UpsertRole(ctx, roleID, role.Description, role.Permissions); err != nil {
			t.Fatalf("seed role %s: %v", roleID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

// tokenFor mints a JWT and assigns the actor the given role.
func tokenFor(t *testing.T, srv *testServer, actorID, role string) string {
	t.Helper()
	ctx := context.Background()
	now := srv.Engine.Now().UTC().Format(time.RFC3339)
	if err := srv.Engine.Repo.EnsureActor(ctx, actorID, now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := srv.Engine.Repo.AssignRole(ctx, actorID, role); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	token, err := signDevToken(testSecret, actorID, []string{role})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/devices", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list devices status %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/devices", nil, authHeader("not-a-jwt"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d, want 401", res.StatusCode)
	}
}

func TestAuditorCannotRegisterDevices(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := tokenFor(t, srv, "read-only", "auditor")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/devices", map[string]any{
		"path":   "/dev/sdb",
		"type":   "HDD",
		"model":  "WD Red",
		"serial": "WD-1",
		"size":   "4 TB",
	}, authHeader(token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("auditor register status %d: %s", res.StatusCode, string(body))
	}
}

func TestJobFlowOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := tokenFor(t, srv, "op-1", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/devices", map[string]any{
		"path":   "/dev/nvme0n1",
		"type":   "NVMe SSD",
		"model":  "Samsung 990 Pro",
		"serial": "S7KDNU0X1",
		"size":   "2 TB",
	}, authHeader(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register device status %d: %s", res.StatusCode, string(data))
	}
	var dev domain.Device
	if err := json.Unmarshal(data, &dev); err != nil {
		t.Fatalf("unmarshal device: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"device_id": dev.ID,
		"policy":    "Secure Erase",
	}, authHeader(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.WipeJob
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != domain.JobQueued {
		t.Fatalf("new job status = %s", job.Status)
	}

	// same device is busy until the job ends
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"device_id": dev.ID,
		"policy":    "Secure Erase",
	}, authHeader(token))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("busy device status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.JobID+"/start", nil, authHeader(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal started job: %v", err)
	}
	if job.Status != domain.JobRunning {
		t.Fatalf("started job status = %s", job.Status)
	}

	// starting twice is an invalid transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.JobID+"/start", nil, authHeader(token))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+job.JobID+"/logs", nil, authHeader(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d: %s", res.StatusCode, string(data))
	}
	var logs []domain.LogLine
	if err := json.Unmarshal(data, &logs); err != nil {
		t.Fatalf("unmarshal logs: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("logs = %d lines, want create and start entries", len(logs))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.JobID+"/fail", map[string]any{
		"message": "operator abort",
	}, authHeader(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fail status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.JobID+"/retry", nil, authHeader(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal retried job: %v", err)
	}
	if job.Status != domain.JobQueued || job.Progress != 0 {
		t.Fatalf("retried job = %+v", job)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs/"+job.JobID+"/cancel", nil, authHeader(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
}

func TestVerifyIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	d, err := srv.Engine.RegisterDevice(ctx, domain.Device{
		Path: "/dev/sdb", Type: "HDD", Model: "WD Red", Serial: "WD-V1", Size: "4 TB",
	}, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	j, err := srv.Engine.CreateJob(ctx, engine.JobCreateOptions{
		DeviceID: d.ID, PolicyName: "Quick Wipe (1-pass)", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := srv.Engine.StartJob(ctx, j.JobID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := srv.Engine.AdvanceProgress(ctx, j.JobID, 100, 200); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := srv.Engine.AdvanceProgress(ctx, j.JobID, 0, 0); err != nil {
		t.Fatalf("advance past full: %v", err)
	}
	if _, err := srv.Engine.CompleteVerification(ctx, j.JobID, true, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cert, err := srv.Engine.Repo.GetCertificateByJob(ctx, j.JobID)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}

	// no Authorization header on either request
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/verify/"+cert.CertificateID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify hit status %d: %s", res.StatusCode, string(data))
	}
	var facts engine.VerificationFacts
	if err := json.Unmarshal(data, &facts); err != nil {
		t.Fatalf("unmarshal facts: %v", err)
	}
	if !facts.Valid || facts.DeviceSerial != "WD-V1" {
		t.Fatalf("facts = %+v", facts)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/verify/CERT-20240101-999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("verify miss status %d: %s", res.StatusCode, string(data))
	}
	var miss struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(data, &miss); err != nil {
		t.Fatalf("unmarshal miss body %q: %v", string(data), err)
	}
	if miss.Valid {
		t.Fatalf("miss body reports valid: %s", string(data))
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, authHeader(login.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev-user" {
		t.Fatalf("me actor = %q", me.ActorID)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := tokenFor(t, srv, "admin-1", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/keys", map[string]any{
		"actor_id": "svc-ci",
		"name":     "ci pipeline",
		"roles":    []string{"auditor"},
	}, authHeader(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("raw key not returned")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs via key status %d: %s", res.StatusCode, string(data))
	}

	// auditor key cannot create devices
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/devices", map[string]any{
		"path": "/dev/sdz", "type": "HDD", "model": "x", "serial": "K-1", "size": "1 TB",
	}, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("device create via auditor key status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/keys/"+created.ID, nil, authHeader(admin))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d, want 401", res.StatusCode)
	}
}

func TestSuggestPolicy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := tokenFor(t, srv, "op-2", "operator")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/suggest-policy", map[string]any{
		"device_type":           "NVMe SSD",
		"security_requirements": "DoD classified material",
	}, authHeader(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggest status %d: %s", res.StatusCode, string(data))
	}
	var suggestion struct {
		WipeMethod string `json:"wipe_method"`
	}
	if err := json.Unmarshal(data, &suggestion); err != nil {
		t.Fatalf("unmarshal suggestion: %v", err)
	}
	if suggestion.WipeMethod != "Sanitize" {
		t.Fatalf("wipe_method = %q, want Sanitize", suggestion.WipeMethod)
	}
}

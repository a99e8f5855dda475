package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/prometheus/client_golang/prometheus"

	"urna/cmd/internal/audit"
	"urna/cmd/internal/authority"
	"urna/cmd/internal/authority/authoritytest"
	"urna/cmd/internal/ballot"
	"urna/cmd/internal/votetoken"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type kioskFixture struct {
	fake     *authoritytest.Server
	srv      *httptest.Server
	handler  *Handler
	registry *Registry
	clock    *testClock
	cfg      Config
}

func newKioskFixture(t *testing.T) *kioskFixture {
	t.Helper()

	clk := &testClock{t: time.Now().UTC()}
	fake := authoritytest.New()
	t.Cleanup(fake.Close)
	fake.SetClock(clk.now)
	fake.AddUser("12345678901", "pw", "Ana", "eleitor")
	fake.AddUser("98765432100", "pw", "Bia", "eleitor")
	fake.AddElection(authoritytest.Election{
		ID: "E1", Name: "General", Categories: []string{"Presidente", "Governador"},
		Start: clk.now().Add(-time.Hour), End: clk.now().Add(2 * time.Hour), Active: true,
	})
	fake.AddCandidate("E1", authoritytest.Candidate{Office: "PRESIDENTE", Number: "13", Name: "Alice", Party: "PA"})
	fake.AddCandidate("E1", authoritytest.Candidate{Office: "GOVERNADOR", Number: "45", Name: "Bruno", Party: "PB"})

	client, err := authority.New(fake.URL(), authority.WithClock(clk.now))
	if err != nil {
		t.Fatalf("authority.New: %v", err)
	}
	store, err := votetoken.NewMemoryStore(votetoken.WithClock(clk.now))
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	issuer, err := votetoken.NewIssuer(store, client, votetoken.WithIssuerClock(clk.now))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	submitter, err := ballot.NewSubmitter(client, nil, nil)
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.OriginRequired = false
	cfg.SessionIdleTTL = time.Minute

	access, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	registry := NewRegistry(nil, cfg.SessionIdleTTL, clk.now)

	h, err := NewHandler(cfg, Deps{
		Authority: client,
		Loader:    ballot.NewLoader(client, clk.now),
		Tokens:    issuer,
		Consumer:  store,
		Committer: submitter,
		Audit:     audit.NewReader(client),
		Access:    access,
		Registry:  registry,
		Metrics:   prometheus.NewRegistry(),
		Now:       clk.now,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &kioskFixture{fake: fake, srv: srv, handler: h, registry: registry, clock: clk, cfg: cfg}
}

// call performs a request and decodes a JSON response into out when non-nil.
func (f *kioskFixture) call(t *testing.T, method, path, access string, body any, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v: %s", method, path, resp.StatusCode, err, raw)
		}
	}
	return resp.StatusCode
}

func (f *kioskFixture) login(t *testing.T, cpf string) string {
	t.Helper()
	var out loginResponse
	if st := f.call(t, http.MethodPost, "/v1/login", "", map[string]string{"cpf": cpf, "senha": "pw"}, &out); st != http.StatusOK {
		t.Fatalf("login: status %d", st)
	}
	if out.AccessToken == "" {
		t.Fatal("login: empty access token")
	}
	return out.AccessToken
}

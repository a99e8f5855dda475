// Package main provides a CI-friendly end-to-end smoke test for a running urnad.
//
// It validates:
//   - login and access token issuance
//   - ballot creation and stream handshake + subprotocol selection
//   - one vote per category over the snapshot stream
//   - the committed block hash validates through the audit API
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"urna/cmd/identity/ids"
	v1 "urna/contracts/kiosk/v1"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	base   *url.URL
	access string
	http   *http.Client

	conn    *websocket.Conn
	inbox   chan v1.Envelope
	errCh   chan error
	version uint64
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "urnad base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		cpf      = flag.String("cpf", "", "Voter CPF")
		password = flag.String("password", "", "Voter password")
		election = flag.String("election", "", "Election ID")
		votes    = flag.String("votes", "", "Comma-separated vote per category: a candidate number or 'blank'")
		timeout  = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *cpf == "" || *password == "" || *election == "" || *votes == "" {
		fatalf("-cpf, -password, -election and -votes are required")
	}

	root := context.Background()
	c := &smokeClient{base: base, http: &http.Client{Timeout: *timeout}}

	c.mustLogin(root, *cpf, *password)

	var snap v1.SnapshotPayload
	c.mustPostJSON(root, "/v1/ballots", map[string]string{"electionId": *election}, &snap, http.StatusCreated, http.StatusOK)
	if *verbose {
		fmt.Printf("ballot: id=%s state=%s categories=%d\n", snap.BallotID, snap.State, snap.CategoryCount)
	}

	c.mustDial(root, snap.BallotID, *origin, *timeout)
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "bye") }()

	snap = c.mustReadSnapshot(root, *timeout)
	if snap.State == "token_confirmed_intro" {
		snap = c.mustSend(root, v1.EventAcknowledge, "", *timeout)
	}

	choices := strings.Split(*votes, ",")
	if len(choices) != snap.CategoryCount {
		fatalf("got %d votes for %d categories", len(choices), snap.CategoryCount)
	}
	for i, choice := range choices {
		choice = strings.TrimSpace(choice)
		if strings.EqualFold(choice, "blank") {
			snap = c.mustSend(root, v1.EventBlank, "", *timeout)
		} else {
			for _, d := range choice {
				snap = c.mustSend(root, v1.EventDigit, string(d), *timeout)
			}
		}
		if snap.InvalidNumber {
			fatalf("category %d: number %q is not a candidate", i, choice)
		}
		c.mustSend(root, v1.EventConfirm, "", *timeout)
		snap = c.mustSend(root, v1.EventCommit, "", *timeout)
		if *verbose {
			fmt.Printf("category %d: %s -> state=%s\n", i, choice, snap.State)
		}
	}

	for snap.State == "submitting" {
		snap = c.mustReadSnapshot(root, *timeout)
	}
	if snap.State != "completed" || snap.BlockHash == "" {
		fatalf("ballot did not complete: state=%s error=%+v", snap.State, snap.Error)
	}

	var v struct {
		Valid   bool   `json:"valido"`
		Message string `json:"mensagem"`
	}
	c.mustPostJSON(root, "/v1/audit/blocks/"+url.PathEscape(snap.BlockHash)+"/validate", nil, &v, http.StatusOK)
	if !v.Valid {
		fatalf("block %s failed validation: %s", snap.BlockHash, v.Message)
	}

	fmt.Printf("OK: ballot=%s election=%s block=%s\n", snap.BallotID, snap.ElectionID, snap.BlockHash)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func (c *smokeClient) mustLogin(ctx context.Context, cpf, password string) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	c.mustPostJSON(ctx, "/v1/login", map[string]string{"cpf": cpf, "senha": password}, &out, http.StatusOK)
	if strings.TrimSpace(out.AccessToken) == "" {
		fatalf("login returned no access token")
	}
	c.access = out.AccessToken
}

func (c *smokeClient) mustPostJSON(ctx context.Context, path string, in, out any, okStatus ...int) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			fatalf("marshal %s: %v", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), body)
	if err != nil {
		fatalf("request %s: %v", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.access != "" {
		req.Header.Set("Authorization", "Bearer "+c.access)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))

	ok := false
	for _, s := range okStatus {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		fatalf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode %s: %v", path, err)
		}
	}
}

func (c *smokeClient) mustDial(parent context.Context, ballotID, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := *c.base.JoinPath("/v1/ballots", ballotID, "ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", c.access)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect stream: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c.conn = conn
	c.inbox = make(chan v1.Envelope, 64)
	c.errCh = make(chan error, 1)
	go c.readLoop()
}

func (c *smokeClient) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			select {
			case c.errCh <- fmt.Errorf("bad json: %w", err):
			default:
			}
			return
		}
		if err := env.Validate(); err != nil {
			select {
			case c.errCh <- fmt.Errorf("bad envelope: %w", err):
			default:
			}
			return
		}
		c.inbox <- env
	}
}

// mustSend dispatches one event and waits for the snapshot it produces.
func (c *smokeClient) mustSend(parent context.Context, event, digit string, stepTimeout time.Duration) v1.SnapshotPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	id, err := ids.NewULID(time.Now())
	if err != nil {
		fatalf("ulid: %v", err)
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeEvent,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.EventPayload{Type: event, Digit: digit}),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", event, err)
	}
	return c.mustReadSnapshot(parent, stepTimeout)
}

// mustReadSnapshot returns the next snapshot newer than the last one seen.
func (c *smokeClient) mustReadSnapshot(parent context.Context, stepTimeout time.Duration) v1.SnapshotPayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for snapshot: %v", ctx.Err())
		case err := <-c.errCh:
			fatalf("stream error: %v", err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("stream closed while waiting for snapshot")
			}
			switch env.Type {
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q kind=%q msg=%q", ep.Code, ep.Kind, ep.Message)
			case v1.TypeSnapshot:
				var snap v1.SnapshotPayload
				if err := json.Unmarshal(env.Payload, &snap); err != nil {
					fatalf("unmarshal snapshot: %v", err)
				}
				if snap.Version <= c.version && c.version != 0 {
					continue
				}
				c.version = snap.Version
				if snap.State == "aborted" {
					fatalf("ballot aborted: notice=%q error=%+v", snap.Notice, snap.Error)
				}
				return snap
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

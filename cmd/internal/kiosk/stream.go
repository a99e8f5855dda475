package kiosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"urna/cmd/identity/ids"
	"urna/cmd/internal/ballot"
	v1 "urna/contracts/kiosk/v1"
)

var errBadJSON = errors.New("bad json")

const (
	streamMaxFrameBytes = 4 << 10
	streamPingEvery     = 20 * time.Second
	streamPingTimeout   = 5 * time.Second
	streamMaxPingFails  = 3
)

// handleStream upgrades to a WebSocket that pushes a snapshot envelope after every
// transition of one ballot and accepts event envelopes from the client.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	raw := bearerFromHeader(r)
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	claims, _, err := h.authenticate(raw)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	b, err := h.d.Registry.Ballot(claims, r.PathValue("id"))
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	if err := h.enforceOrigin(r); err != nil {
		h.log.Info("kiosk.stream.reject.origin", slog.Any("err", err), slog.String("origin", r.Header.Get("Origin")))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Error("kiosk.stream.accept.fail", slog.Any("err", err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(streamMaxFrameBytes)

	log := h.log.With(slog.String("ballot_id", b.ID()))
	h.runStream(r.Context(), conn, b, log)
}

func (h *Handler) runStream(parent context.Context, conn *websocket.Conn, b *ballot.Session, log *slog.Logger) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	snaps, unsubscribe := b.Subscribe()
	defer unsubscribe()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// The writer owns every conn.Write; the reader hands it error payloads.
	errs := make(chan v1.ErrorPayload, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-errs:
				if err := h.writeEnvelope(ctx, conn, v1.TypeError, p); err != nil {
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				if err := h.writeEnvelope(ctx, conn, v1.TypeSnapshot, toSnapshotPayload(snap)); err != nil {
					log.Info("kiosk.stream.write.fail", slog.Any("err", err))
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if snap.State.Terminal() {
					shutdown(websocket.StatusNormalClosure, "ballot "+snap.State.String())
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(streamPingEvery)
		defer t.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pctx, pcancel := context.WithTimeout(ctx, streamPingTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err == nil {
					failures = 0
					continue
				}
				failures++
				if failures >= streamMaxPingFails {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	sendErr := func(p v1.ErrorPayload) {
		select {
		case errs <- p:
		default:
		}
	}

	rl := NewRateLimiter(h.cfg.StreamRateEvents, h.cfg.StreamRateWindow)
	for {
		env, err := h.readEnvelope(ctx, conn)
		if err != nil {
			if errors.Is(err, errBadJSON) {
				sendErr(v1.ErrorPayload{Code: "bad_json", Message: "invalid JSON"})
				continue
			}
			if !isQuietClose(err) {
				log.Info("kiosk.stream.read.fail", slog.Any("err", err))
			}
			break
		}
		if !rl.Allow(h.now()) {
			sendErr(v1.ErrorPayload{Code: codeRateLimited, Message: "too many events"})
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if err := env.Validate(); err != nil {
			sendErr(v1.ErrorPayload{Code: "bad_envelope", Message: err.Error()})
			continue
		}
		if env.Type != v1.TypeEvent {
			sendErr(v1.ErrorPayload{Code: "unsupported", Message: fmt.Sprintf("unsupported type: %s", env.Type)})
			continue
		}
		var ev v1.EventPayload
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			sendErr(v1.ErrorPayload{Code: "bad_payload", Message: "invalid event payload"})
			continue
		}
		// Successful events surface through the subscription; only failures are sent here.
		if _, err := h.dispatch(ctx, b, ev); err != nil {
			_, p := classify(err)
			sendErr(p)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-heartbeatDone
}

func (h *Handler) readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	idle := h.cfg.StreamReadIdle
	if idle <= 0 {
		idle = DefaultConfig().StreamReadIdle
	}
	rctx, cancel := context.WithTimeout(ctx, idle)
	defer cancel()

	mt, data, err := conn.Read(rctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func (h *Handler) writeEnvelope(parent context.Context, conn *websocket.Conn, typ string, payload any) error {
	timeout := h.cfg.StreamWriteTO
	if timeout <= 0 {
		timeout = DefaultConfig().StreamWriteTO
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func isQuietClose(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

// ---- origin policy ----

func (h *Handler) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if h.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	originHost := originHostOnly(origin)
	for _, a := range h.cfg.AllowedOrigins {
		if a == "*" || a == origin {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into host patterns for websocket.Accept,
// which matches against host:port.
func deriveOriginPatterns(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		if a == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}

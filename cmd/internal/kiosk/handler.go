package kiosk

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"urna/cmd/identity/ids"
	"urna/cmd/internal/audit"
	"urna/cmd/internal/authority"
	"urna/cmd/internal/ballot"
	"urna/cmd/internal/votetoken"
	"urna/cmd/security/token"
	v1 "urna/contracts/kiosk/v1"
)

// Authority is the part of the authority client the gateway calls directly.
type Authority interface {
	Login(ctx context.Context, cpf, password string) (authority.User, error)
	ListElections(ctx context.Context, finished bool) ([]authority.Election, error)
}

// BallotLoader builds the categories of an open election.
type BallotLoader interface {
	Load(ctx context.Context, electionID string) (authority.Election, []ballot.Category, error)
}

// Deps are the gateway collaborators.
type Deps struct {
	Authority Authority
	Loader    BallotLoader
	Tokens    ballot.TokenSource
	Consumer  ballot.Consumer
	Committer ballot.Committer
	Audit     *audit.Reader
	Access    AccessTokenManager
	Registry  *Registry

	Logger  *slog.Logger
	Metrics prometheus.Registerer
	Now     func() time.Time
}

// Handler serves the kiosk HTTP API and snapshot stream.
type Handler struct {
	log *slog.Logger
	cfg Config
	d   Deps
	now func() time.Time

	logins  *keyedLimiter
	metrics *metrics

	originPatterns []string
}

// NewHandler validates deps and builds a Handler.
func NewHandler(cfg Config, d Deps) (*Handler, error) {
	if d.Authority == nil || d.Loader == nil || d.Tokens == nil || d.Consumer == nil ||
		d.Committer == nil || d.Audit == nil || d.Access == nil || d.Registry == nil {
		return nil, errors.New("kiosk: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	m, err := newMetrics(d.Metrics, d.Registry)
	if err != nil {
		return nil, err
	}

	return &Handler{
		log:            d.Logger,
		cfg:            cfg,
		d:              d,
		now:            d.Now,
		logins:         newKeyedLimiter(cfg.LoginMax, cfg.LoginWindow),
		metrics:        m,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// Register wires kiosk routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/login", h.handleLogin)
	mux.HandleFunc("POST /v1/logout", h.authed(h.handleLogout))
	mux.HandleFunc("GET /v1/elections", h.authed(h.handleElections))

	mux.HandleFunc("POST /v1/ballots", h.authed(h.handleCreateBallot))
	mux.HandleFunc("GET /v1/ballots/{id}", h.authed(h.handleGetBallot))
	mux.HandleFunc("POST /v1/ballots/{id}/events", h.authed(h.handleEvent))
	mux.HandleFunc("GET /v1/ballots/{id}/ws", h.handleStream)

	mux.HandleFunc("GET /v1/audit/blocks", h.authed(h.handleMyBlocks))
	mux.HandleFunc("GET /v1/audit/trail", h.authed(h.handleTrail))
	mux.HandleFunc("GET /v1/audit/blocks/{hash}", h.authed(h.handleBlock))
	mux.HandleFunc("POST /v1/audit/blocks/{hash}/validate", h.authed(h.handleValidate))
	mux.HandleFunc("GET /v1/audit/blocks/{hash}/votes", h.authed(h.handleVotesInBlock))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, claims AccessClaims, user authority.User)

func (h *Handler) authed(fn authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, user, err := h.authenticate(bearerFromHeader(r))
		if err != nil {
			writeClassified(w, err, nil)
			return
		}
		fn(w, r, claims, user)
	}
}

func (h *Handler) authenticate(raw string) (AccessClaims, authority.User, error) {
	if raw == "" {
		return AccessClaims{}, authority.User{}, ErrInvalidToken
	}
	claims, err := h.d.Access.Verify(raw, h.now())
	if err != nil {
		return AccessClaims{}, authority.User{}, ErrInvalidToken
	}
	user, err := h.d.Registry.User(claims)
	if err != nil {
		return AccessClaims{}, authority.User{}, err
	}
	return claims, user, nil
}

func bearerFromHeader(r *http.Request) string {
	v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	cpf := token.NormalizeCPF(req.CPF)
	if cpf == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "cpf and senha are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	voterKey := token.VoterKey(cpf)
	log := h.log.With(slog.String("voter", token.ShortKey(voterKey)))

	rl := h.logins.get(voterKey)
	if !rl.Allow(now) {
		if retry := rl.RetryAfter(now); retry > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(retry.Seconds())+1, 10))
		}
		log.Warn("kiosk.login.rate_limited")
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many attempts")
		return
	}

	user, err := h.d.Authority.Login(ctx, cpf, req.Password)
	if err != nil {
		if authority.StatusOf(err) == http.StatusUnauthorized {
			log.Info("kiosk.login.denied")
			writeError(w, http.StatusUnauthorized, codeInvalidCredentials, authority.MessageOf(err))
			return
		}
		log.Warn("kiosk.login.fail", slog.String("kind", authority.KindOf(err).String()), slog.Any("err", err))
		writeClassified(w, err, nil)
		return
	}

	sid, err := ids.NewULID(now)
	if err != nil {
		log.Error("kiosk.login.id.fail", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	access, exp, err := h.d.Access.Issue(voterKey, sid, now)
	if err != nil {
		log.Error("kiosk.login.issue.fail", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	h.d.Registry.Open(sid, voterKey, user)
	log.Info("kiosk.login.ok", slog.String("session_id", sid))

	writeJSON(w, http.StatusOK, loginResponse{AccessToken: access, ExpiresAt: exp, Name: user.Name, Role: user.Role})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, claims AccessClaims, _ authority.User) {
	if err := h.d.Registry.Close(claims); err != nil {
		writeClassified(w, err, nil)
		return
	}
	h.log.Info("kiosk.logout", slog.String("session_id", claims.SessionID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleElections(w http.ResponseWriter, r *http.Request, _ AccessClaims, _ authority.User) {
	finished := false
	if v := r.URL.Query().Get("finished"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "finished must be a boolean")
			return
		}
		finished = b
	}

	list, err := h.d.Authority.ListElections(r.Context(), finished)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	out := make([]electionResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toElectionResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateBallot(w http.ResponseWriter, r *http.Request, claims AccessClaims, user authority.User) {
	var req createBallotRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	electionID := strings.TrimSpace(req.ElectionID)
	if electionID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "electionId is required")
		return
	}

	if b, ok := h.d.Registry.OpenBallot(claims, electionID); ok {
		h.metrics.ballot("resumed")
		writeJSON(w, http.StatusOK, toSnapshotPayload(b.Snapshot()))
		return
	}

	ctx := r.Context()
	_, cats, err := h.d.Loader.Load(ctx, electionID)
	if err != nil {
		h.metrics.ballot("load_failed")
		writeClassified(w, err, nil)
		return
	}

	id, err := ids.NewULID(h.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	b, err := ballot.NewSession(id, votetoken.Voter{Key: claims.VoterKey, Bearer: user.Bearer}, electionID, cats, ballot.Deps{
		Tokens:    h.d.Tokens,
		Consumer:  h.d.Consumer,
		Committer: h.d.Committer,
		Logger:    h.log,
		Now:       h.now,
	})
	if err != nil {
		h.metrics.ballot("load_failed")
		writeClassified(w, err, nil)
		return
	}

	snap, err := b.Start(ctx)
	if err != nil {
		if votetoken.IsOutstanding(err) {
			h.metrics.ballot("outstanding")
		} else {
			h.metrics.ballot("start_failed")
		}
		p := toSnapshotPayload(snap)
		writeClassified(w, err, &p)
		return
	}
	if err := h.d.Registry.AddBallot(claims, b); err != nil {
		_, _ = b.Abort()
		writeClassified(w, err, nil)
		return
	}
	h.metrics.ballot("started")
	writeJSON(w, http.StatusCreated, toSnapshotPayload(snap))
}

func (h *Handler) handleGetBallot(w http.ResponseWriter, r *http.Request, claims AccessClaims, _ authority.User) {
	b, err := h.d.Registry.Ballot(claims, r.PathValue("id"))
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	b.Expire()
	writeJSON(w, http.StatusOK, toSnapshotPayload(b.Snapshot()))
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request, claims AccessClaims, _ authority.User) {
	b, err := h.d.Registry.Ballot(claims, r.PathValue("id"))
	if err != nil {
		writeClassified(w, err, nil)
		return
	}

	var req v1.EventPayload
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}

	snap, err := h.dispatch(r.Context(), b, req)
	p := toSnapshotPayload(snap)
	if err != nil {
		writeClassified(w, err, &p)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// dispatch validates a wire event and applies it to the ballot.
func (h *Handler) dispatch(ctx context.Context, b *ballot.Session, ev v1.EventPayload) (ballot.Snapshot, error) {
	if err := ev.Validate(); err != nil {
		h.metrics.event("invalid", err)
		return b.Snapshot(), &ballot.TransitionError{State: b.Snapshot().State, Event: ballot.EventType(ev.Type)}
	}
	e := ballot.Event{Type: ballot.EventType(ev.Type)}
	if ev.Type == v1.EventDigit {
		e.Digit = ev.Digit[0]
	}
	snap, err := b.Dispatch(ctx, e)
	h.metrics.event(ev.Type, err)
	return snap, err
}

func (h *Handler) handleMyBlocks(w http.ResponseWriter, r *http.Request, _ AccessClaims, user authority.User) {
	sums, err := h.d.Audit.ListMyBlocks(r.Context(), user)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	out := make([]blockSummaryResponse, 0, len(sums))
	for _, s := range sums {
		out = append(out, toBlockSummary(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleTrail(w http.ResponseWriter, r *http.Request, _ AccessClaims, user authority.User) {
	trail, err := h.d.Audit.Trail(r.Context(), user)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	out := make([]trailEntryResponse, 0, len(trail))
	for _, e := range trail {
		out = append(out, trailEntryResponse{
			blockSummaryResponse: toBlockSummary(e.Summary),
			PrevHash:             e.PrevHash,
			Valid:                e.Valid,
			Message:              e.Message,
			Linked:               e.Linked,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request, _ AccessClaims, _ authority.User) {
	b, err := h.d.Audit.Block(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, blockResponse{Hash: b.Hash, PrevHash: b.PrevHash, Timestamp: b.Timestamp, Votes: toVotes(b.Votes)})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request, _ AccessClaims, _ authority.User) {
	v, err := h.d.Audit.Validate(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, validationResponse{Valid: v.Valid, Message: v.Message})
}

func (h *Handler) handleVotesInBlock(w http.ResponseWriter, r *http.Request, _ AccessClaims, _ authority.User) {
	votes, err := h.d.Audit.VotesInBlock(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toVotes(votes))
}

// PruneLimiters drops idle login limiters. The app calls it alongside Registry.Sweep.
func (h *Handler) PruneLimiters() {
	h.logins.prune(h.now())
}

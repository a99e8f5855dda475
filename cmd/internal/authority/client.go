package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is the authority API root used when none is configured.
	DefaultBaseURL = "http://127.0.0.1:8081/api/v1"

	// DefaultTimeout bounds a single authority call.
	DefaultTimeout = 15 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20

	requestIDHeader = "X-Request-ID"
)

// Client talks to the ballot authority's REST API.
// It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	log     *slog.Logger
	blank   string
	single  bool
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("authority: nil http client")
		}
		c.http = hc
		return nil
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

// WithTimeout bounds every call made by the client. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return errors.New("authority: negative timeout")
		}
		c.timeout = d
		return nil
	}
}

// WithBlankSentinel sets the value written on the wire for a blank vote.
// Both BlankValue and LegacyBlankValue are accepted; it applies to every submit endpoint.
func WithBlankSentinel(s string) Option {
	return func(c *Client) error {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != BlankValue && s != LegacyBlankValue {
			return fmt.Errorf("authority: unsupported blank sentinel %q", s)
		}
		c.blank = s
		return nil
	}
}

// WithSingleVoteEndpoint lets single-category ballots use POST /votos/registrar.
func WithSingleVoteEndpoint(enabled bool) Option {
	return func(c *Client) error {
		c.single = enabled
		return nil
	}
}

// WithClock overrides the time source used to derive election status.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

// New constructs a Client for the authority rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("authority: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("authority: base url must be http(s), got %q", baseURL)
	}

	c := &Client{
		base:    u,
		http:    &http.Client{},
		log:     slog.Default(),
		blank:   BlankValue,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SingleVoteEnabled reports whether the single-vote endpoint may be used.
func (c *Client) SingleVoteEnabled() bool { return c.single }

// Login authenticates a voter. The CPF is sent digits-only.
func (c *Client) Login(ctx context.Context, cpf, password string) (User, error) {
	const op = "login"
	cpf = digitsOnly(cpf)
	if cpf == "" || password == "" {
		return User{}, invalid(op, "cpf and password are required")
	}

	var out loginResponse
	if err := c.do(ctx, op, http.MethodPost, "/auth/login", nil, "", loginRequest{CPF: cpf, Senha: password}, &out); err != nil {
		return User{}, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return User{}, shapeErr(op, "login response without token")
	}
	return User{CPF: cpf, Name: out.Nome, Role: out.Tipo, Bearer: out.Token}, nil
}

// ListElections returns elections with their derived status.
func (c *Client) ListElections(ctx context.Context, finished bool) ([]Election, error) {
	const op = "list_elections"
	q := url.Values{"finished": {strconv.FormatBool(finished)}}

	var out []electionWire
	if err := c.do(ctx, op, http.MethodGet, "/eleicoes/listar", q, "", nil, &out); err != nil {
		return nil, err
	}

	now := c.now()
	elections := make([]Election, 0, len(out))
	for i, w := range out {
		if w.ID == nil || w.Nome == nil || w.DataInicio == nil || w.DataFim == nil {
			return nil, shapeErr(op, fmt.Sprintf("election %d missing id, nome or dates", i))
		}
		start := time.Unix(*w.DataInicio, 0).UTC()
		end := time.Unix(*w.DataFim, 0).UTC()
		elections = append(elections, Election{
			ID:          *w.ID,
			Name:        *w.Nome,
			Description: w.Descricao,
			Categories:  append([]string(nil), w.Categorias...),
			StartsAt:    start,
			EndsAt:      end,
			Active:      w.Ativa,
			Status:      DeriveStatus(now, start, end, w.Ativa),
		})
	}
	return elections, nil
}

// Election looks up a single election by id among all elections.
func (c *Client) Election(ctx context.Context, electionID string) (Election, error) {
	const op = "election"
	if strings.TrimSpace(electionID) == "" {
		return Election{}, invalid(op, "election id is required")
	}
	for _, finished := range []bool{false, true} {
		list, err := c.ListElections(ctx, finished)
		if err != nil {
			return Election{}, err
		}
		for _, e := range list {
			if e.ID == electionID {
				return e, nil
			}
		}
	}
	return Election{}, &Error{Op: op, Kind: KindTerminal, Status: http.StatusNotFound, Message: "election not found"}
}

// ListCandidates returns every candidate registered for an election.
func (c *Client) ListCandidates(ctx context.Context, electionID string) ([]Candidate, error) {
	const op = "list_candidates"
	if strings.TrimSpace(electionID) == "" {
		return nil, invalid(op, "election id is required")
	}

	var out []candidateWire
	q := url.Values{"eleicaoId": {electionID}}
	if err := c.do(ctx, op, http.MethodGet, "/candidatos/listar", q, "", nil, &out); err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(out))
	for _, w := range out {
		cands = append(cands, Candidate{
			ID:       w.ID,
			Office:   w.Cargo,
			Number:   w.Numero,
			Name:     w.Nome,
			State:    w.UF,
			Party:    w.Partido,
			PhotoURL: w.FotoURL,
		})
	}
	return cands, nil
}

// IssueToken asks the authority for a fresh anonymous voting token.
// A 409 comes back as a KindConflict error.
func (c *Client) IssueToken(ctx context.Context, bearer, electionID string) (IssuedToken, error) {
	const op = "issue_token"
	if strings.TrimSpace(bearer) == "" || strings.TrimSpace(electionID) == "" {
		return IssuedToken{}, invalid(op, "bearer and election id are required")
	}

	var out issueTokenResponse
	if err := c.do(ctx, op, http.MethodPost, "/tokens/gerar", nil, bearer, issueTokenRequest{EleicaoID: electionID}, &out); err != nil {
		return IssuedToken{}, err
	}
	if out.TokenAnonimo == "" || out.ValidoAte == nil {
		return IssuedToken{}, shapeErr(op, "token response missing tokenAnonimo or validoAte")
	}
	return IssuedToken{Token: out.TokenAnonimo, ValidUntil: time.UnixMilli(*out.ValidoAte).UTC()}, nil
}

// SubmitBatch commits every pair of a ballot in a single call.
func (c *Client) SubmitBatch(ctx context.Context, token, electionID string, pairs []VotePair) (BlockRef, error) {
	const op = "submit_batch"
	if token == "" || electionID == "" || len(pairs) == 0 {
		return BlockRef{}, invalid(op, "token, election id and at least one vote are required")
	}

	votes := make([]batchVoteWire, 0, len(pairs))
	for _, p := range pairs {
		if p.CategoryID == "" || p.Value == "" {
			return BlockRef{}, invalid(op, "vote pair with empty category or value")
		}
		votes = append(votes, batchVoteWire{CategoriaID: p.CategoryID, NumeroVoto: c.wireValue(p.Value)})
	}

	req := batchRequest{TokenVotacao: token, EleicaoID: electionID, Votos: votes}
	return c.submit(ctx, op, "/votos/batch", req)
}

// SubmitSingle commits a one-vote ballot through the single-vote endpoint.
func (c *Client) SubmitSingle(ctx context.Context, token, number, electionID string) (BlockRef, error) {
	const op = "submit_single"
	if token == "" || number == "" || electionID == "" {
		return BlockRef{}, invalid(op, "token, number and election id are required")
	}
	req := singleVoteRequest{TokenVotacao: token, NumeroCandidato: c.wireValue(number), EleicaoID: electionID}
	return c.submit(ctx, op, "/votos/registrar", req)
}

func (c *Client) submit(ctx context.Context, op, path string, body any) (BlockRef, error) {
	var out hashResponse
	if err := c.do(ctx, op, http.MethodPost, path, nil, "", body, &out); err != nil {
		return BlockRef{}, err
	}
	if out.Hash == "" {
		return BlockRef{}, shapeErr(op, "submit response without hash")
	}
	return BlockRef{Hash: out.Hash}, nil
}

// MyBlocks lists the blocks that hold at least one of the voter's votes.
func (c *Client) MyBlocks(ctx context.Context, bearer, cpf string) (MyBlocks, error) {
	const op = "my_blocks"
	cpf = digitsOnly(cpf)
	if bearer == "" || cpf == "" {
		return MyBlocks{}, invalid(op, "bearer and cpf are required")
	}

	var raw json.RawMessage
	q := url.Values{"cpf": {cpf}}
	if err := c.do(ctx, op, http.MethodGet, "/votos/meus-votos", q, bearer, nil, &raw); err != nil {
		return MyBlocks{}, err
	}
	return decodeMyBlocks(op, raw)
}

func decodeMyBlocks(op string, raw json.RawMessage) (MyBlocks, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return MyBlocks{}, shapeErr(op, "empty body")
	}

	switch trimmed[0] {
	case '[':
		var sums []blockSummaryWire
		if err := json.Unmarshal(trimmed, &sums); err != nil {
			return MyBlocks{}, shapeErr(op, err.Error())
		}
		out := MyBlocks{Summaries: make([]BlockSummary, 0, len(sums))}
		for i, s := range sums {
			if s.Hash == "" || s.TotalVotos == nil {
				return MyBlocks{}, shapeErr(op, fmt.Sprintf("block summary %d missing hash or totalVotos", i))
			}
			out.Summaries = append(out.Summaries, BlockSummary{Hash: s.Hash, Timestamp: s.Timestamp.Time, VoteCount: *s.TotalVotos})
			out.BlockHashes = append(out.BlockHashes, s.Hash)
		}
		return out, nil

	case '{':
		var env votesEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return MyBlocks{}, shapeErr(op, err.Error())
		}
		if env.Votos == nil {
			return MyBlocks{}, shapeErr(op, "object without votos")
		}
		seen := make(map[string]struct{})
		var out MyBlocks
		for i, v := range *env.Votos {
			if v.HashBlockchain == "" {
				return MyBlocks{}, shapeErr(op, fmt.Sprintf("vote %d without hashBlockchain", i))
			}
			if _, ok := seen[v.HashBlockchain]; ok {
				continue
			}
			seen[v.HashBlockchain] = struct{}{}
			out.BlockHashes = append(out.BlockHashes, v.HashBlockchain)
		}
		return out, nil
	}

	return MyBlocks{}, shapeErr(op, "expected object or array")
}

// Block fetches a sealed block by hash.
func (c *Client) Block(ctx context.Context, hash string) (Block, error) {
	const op = "block"
	if hash == "" {
		return Block{}, invalid(op, "hash is required")
	}

	var out blockWire
	if err := c.do(ctx, op, http.MethodGet, "/blocos/"+url.PathEscape(hash), nil, "", nil, &out); err != nil {
		return Block{}, err
	}
	if out.Hash == "" {
		return Block{}, shapeErr(op, "block without hash")
	}

	b := Block{Hash: out.Hash, Timestamp: out.Timestamp.Time, Votes: c.votesFromWire(out.Votos, out.Hash)}
	if out.HashAnterior != nil {
		b.PrevHash = *out.HashAnterior
	}
	return b, nil
}

// ValidateBlock asks the authority to verify a block's integrity. It does not mutate state.
func (c *Client) ValidateBlock(ctx context.Context, hash string) (Validation, error) {
	const op = "validate_block"
	if hash == "" {
		return Validation{}, invalid(op, "hash is required")
	}

	var out validationWire
	if err := c.do(ctx, op, http.MethodPost, "/blocos/"+url.PathEscape(hash)+"/validar", nil, "", nil, &out); err != nil {
		return Validation{}, err
	}
	if out.Valido == nil {
		return Validation{}, shapeErr(op, "validation response without valido")
	}
	return Validation{Valid: *out.Valido, Message: out.Mensagem}, nil
}

// VotesInBlock lists every vote sealed in a block.
func (c *Client) VotesInBlock(ctx context.Context, hash string) ([]Vote, error) {
	const op = "votes_in_block"
	if hash == "" {
		return nil, invalid(op, "hash is required")
	}

	var out votesEnvelope
	if err := c.do(ctx, op, http.MethodGet, "/blocos/"+url.PathEscape(hash)+"/votos", nil, "", nil, &out); err != nil {
		return nil, err
	}
	if out.Votos == nil {
		return nil, shapeErr(op, "response without votos")
	}
	return c.votesFromWire(*out.Votos, hash), nil
}

func (c *Client) votesFromWire(in []voteWire, blockHash string) []Vote {
	votes := make([]Vote, 0, len(in))
	for _, w := range in {
		v := Vote{
			ElectionID:   w.EleicaoID,
			ElectionName: w.EleicaoNome,
			CategoryID:   w.CategoriaID,
			CategoryName: w.CategoriaNome,
			Number:       domainValue(w.CandidatoNumero),
			Timestamp:    w.Timestamp.Time,
			BlockHash:    w.HashBlockchain,
		}
		if v.BlockHash == "" {
			v.BlockHash = blockHash
		}
		votes = append(votes, v)
	}
	return votes
}

// wireValue maps the domain blank sentinel to the configured wire sentinel.
func (c *Client) wireValue(v string) string {
	if isBlank(v) {
		return c.blank
	}
	return v
}

func domainValue(v string) string {
	if isBlank(v) {
		return BlankValue
	}
	return v
}

func isBlank(v string) bool {
	v = strings.ToUpper(strings.TrimSpace(v))
	return v == BlankValue || v == LegacyBlankValue
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, bearer string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Kind: KindTransient, Err: err}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Kind: KindValidation, Err: fmt.Errorf("%w: encode: %v", ErrInvalidInput, err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &Error{Op: op, Kind: KindTerminal, Err: err}
	}
	reqID := uuid.NewString()
	req.Header.Set(requestIDHeader, reqID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "authority.request.fail",
			slog.String("op", op),
			slog.String("request_id", reqID),
			slog.Duration("dur", time.Since(start)),
			slog.Any("err", err),
		)
		return &Error{Op: op, Kind: KindTransient, Message: "network failure; try again", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Op: op, Kind: KindTransient, Status: resp.StatusCode, Message: "incomplete response; try again", Err: err}
	}

	c.log.DebugContext(ctx, "authority.request",
		slog.String("op", op),
		slog.String("request_id", reqID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Op:      op,
			Kind:    classifyStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: extractMessage(raw, resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return shapeErr(op, err.Error())
	}
	return nil
}

// extractMessage pulls a human-readable message out of an error body.
// It looks at the message, error and msg keys, then a bare JSON string, then a short text body.
func extractMessage(raw []byte, status int) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			for _, k := range []string{"message", "error", "msg"} {
				if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
					return s
				}
			}
		}
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		if trimmed[0] != '{' && trimmed[0] != '[' && len(trimmed) <= 512 {
			return string(trimmed)
		}
	}
	return defaultStatusMessage(status)
}

func invalid(op, msg string) error {
	return &Error{Op: op, Kind: KindValidation, Message: msg, Err: ErrInvalidInput}
}

func shapeErr(op, detail string) error {
	return &Error{Op: op, Kind: KindTerminal, Message: "unexpected response from authority", Err: fmt.Errorf("%w: %s", ErrUnrecognizedShape, detail)}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Package authoritytest provides an in-process fake of the ballot authority REST API.
//
// The fake keeps everything in memory, chains sealed blocks with SHA-256 and lets a
// test script failures per operation. Operation names match the client's op names
// (login, list_elections, issue_token, submit_batch, ...).
package authoritytest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"urna/cmd/internal/authority"
)

// BasePath is the API root the fake serves under.
const BasePath = "/api/v1"

// Operation names accepted by FailNext, SetDelay and Calls.
const (
	OpLogin          = "login"
	OpListElections  = "list_elections"
	OpListCandidates = "list_candidates"
	OpIssueToken     = "issue_token"
	OpSubmitBatch    = "submit_batch"
	OpSubmitSingle   = "submit_single"
	OpMyBlocks       = "my_blocks"
	OpBlock          = "block"
	OpValidateBlock  = "validate_block"
	OpVotesInBlock   = "votes_in_block"
)

// Election seeds an election.
type Election struct {
	ID          string
	Name        string
	Description string
	Categories  []string
	Start       time.Time
	End         time.Time
	Active      bool
}

// Candidate seeds a candidate.
type Candidate struct {
	Office string
	Number string
	Name   string
	Party  string
}

// Vote is a vote as the fake recorded it.
type Vote struct {
	ElectionID string
	CategoryID string
	Value      string
}

// MyBlocksShape selects how GET /votos/meus-votos answers.
type MyBlocksShape int

const (
	// ShapeVotes answers {"votos":[...]} with the voter's vote records.
	ShapeVotes MyBlocksShape = iota
	// ShapeSummaries answers a bare array of block summaries.
	ShapeSummaries
	// ShapeBogus answers a shape no client version understands.
	ShapeBogus
)

type user struct {
	password string
	name     string
	role     string
	bearer   string
}

type tokenState struct {
	cpf        string
	electionID string
	validUntil time.Time
	used       bool
}

type vote struct {
	ElectionID string `json:"eleicaoId"`
	CategoryID string `json:"categoriaId"`
	Number     string `json:"candidatoNumero"`
	Timestamp  string `json:"timestamp"`
	BlockHash  string `json:"hashBlockchain,omitempty"`
}

type block struct {
	hash      string
	prev      string
	timestamp time.Time
	votes     []vote
	tampered  bool
}

type failure struct {
	status int
	body   string
}

// Server is a running fake authority.
type Server struct {
	srv *httptest.Server

	mu         sync.Mutex
	now        func() time.Time
	tokenTTL   time.Duration
	users      map[string]*user
	bearers    map[string]string
	elections  []Election
	candidates map[string][]Candidate
	tokens     map[string]*tokenState
	issued     map[string]string
	blocks     []*block
	byHash     map[string]*block
	voterVotes map[string][]vote
	shape      MyBlocksShape
	failures   map[string][]failure
	delays     map[string]time.Duration
	calls      map[string]int
	batches    [][]Vote
	headerLeak bool
}

// New starts a fake authority. Call Close when done.
func New() *Server {
	s := &Server{
		now:        time.Now,
		tokenTTL:   15 * time.Minute,
		users:      make(map[string]*user),
		bearers:    make(map[string]string),
		candidates: make(map[string][]Candidate),
		tokens:     make(map[string]*tokenState),
		issued:     make(map[string]string),
		byHash:     make(map[string]*block),
		voterVotes: make(map[string][]vote),
		failures:   make(map[string][]failure),
		delays:     make(map[string]time.Duration),
		calls:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+BasePath+"/auth/login", s.wrap(OpLogin, s.handleLogin))
	mux.HandleFunc("GET "+BasePath+"/eleicoes/listar", s.wrap(OpListElections, s.handleListElections))
	mux.HandleFunc("GET "+BasePath+"/candidatos/listar", s.wrap(OpListCandidates, s.handleListCandidates))
	mux.HandleFunc("POST "+BasePath+"/tokens/gerar", s.wrap(OpIssueToken, s.handleIssueToken))
	mux.HandleFunc("POST "+BasePath+"/votos/batch", s.wrap(OpSubmitBatch, s.handleBatch))
	mux.HandleFunc("POST "+BasePath+"/votos/registrar", s.wrap(OpSubmitSingle, s.handleSingle))
	mux.HandleFunc("GET "+BasePath+"/votos/meus-votos", s.wrap(OpMyBlocks, s.handleMyBlocks))
	mux.HandleFunc("GET "+BasePath+"/blocos/{hash}", s.wrap(OpBlock, s.handleBlock))
	mux.HandleFunc("POST "+BasePath+"/blocos/{hash}/validar", s.wrap(OpValidateBlock, s.handleValidate))
	mux.HandleFunc("GET "+BasePath+"/blocos/{hash}/votos", s.wrap(OpVotesInBlock, s.handleVotesInBlock))

	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the API base URL to hand to authority.New.
func (s *Server) URL() string { return s.srv.URL + BasePath }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// SetClock overrides the fake's time source.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetTokenTTL sets the validity of newly issued tokens.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = d
}

// AddUser registers a voter and returns the bearer token login will hand out.
func (s *Server) AddUser(cpf, password, name, role string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bearer := "bearer-" + cpf
	s.users[cpf] = &user{password: password, name: name, role: role, bearer: bearer}
	s.bearers[bearer] = cpf
	return bearer
}

// AddElection registers an election.
func (s *Server) AddElection(e Election) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elections = append(s.elections, e)
}

// AddCandidate registers a candidate for an election.
func (s *Server) AddCandidate(electionID string, c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[electionID] = append(s.candidates[electionID], c)
}

// PreIssue records a token as issued for (cpf, election) elsewhere, so the next
// issuance request answers 409.
func (s *Server) PreIssue(cpf, electionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := randomToken()
	s.tokens[tok] = &tokenState{cpf: cpf, electionID: electionID, validUntil: s.now().Add(s.tokenTTL)}
	s.issued[issueKey(cpf, electionID)] = tok
}

// FailNext makes the next call to op answer status with a JSON {"message": msg} body.
// Calls queue; each injected failure is used once.
func (s *Server) FailNext(op string, status int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := ""
	if msg != "" {
		b, _ := json.Marshal(map[string]string{"message": msg})
		body = string(b)
	}
	s.failures[op] = append(s.failures[op], failure{status: status, body: body})
}

// SetDelay holds every call to op for d before answering, or until the client gives up.
func (s *Server) SetDelay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// SetMyBlocksShape selects the response shape of the my-votes endpoint.
func (s *Server) SetMyBlocksShape(shape MyBlocksShape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shape = shape
}

// Tamper alters a sealed block so its validation fails.
func (s *Server) Tamper(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHash[hash]
	if ok {
		b.tampered = true
	}
	return ok
}

// Calls returns how many requests reached op, failed ones included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Batches returns every vote batch the fake accepted, in order.
func (s *Server) Batches() [][]Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Vote, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Vote(nil), b...)
	}
	return out
}

// BlockHashes returns the hashes of all sealed blocks in chain order.
func (s *Server) BlockHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b.hash)
	}
	return out
}

// TokenUsed reports whether the authority considers an anonymous token spent.
func (s *Server) TokenUsed(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tokens[token]
	return ok && st.used
}

// HeaderLeak reports whether any anonymous token was ever seen in a request header.
func (s *Server) HeaderLeak() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerLeak
}

func (s *Server) wrap(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		delay := s.delays[op]
		var f *failure
		if q := s.failures[op]; len(q) > 0 {
			f = &q[0]
			s.failures[op] = q[1:]
		}
		for tok := range s.tokens {
			for _, vals := range r.Header {
				for _, v := range vals {
					if strings.Contains(v, tok) {
						s.headerLeak = true
					}
				}
			}
		}
		s.mu.Unlock()

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-r.Context().Done():
				t.Stop()
				return
			}
		}

		if f != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(f.body))
			return
		}
		h(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CPF   string `json:"cpf"`
		Senha string `json:"senha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.CPF]
	s.mu.Unlock()
	if !ok || u.password != req.Senha {
		writeMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nome": u.name, "tipo": u.role, "token": u.bearer})
}

func (s *Server) handleListElections(w http.ResponseWriter, r *http.Request) {
	finished := r.URL.Query().Get("finished") == "true"

	s.mu.Lock()
	now := s.now()
	out := make([]map[string]any, 0, len(s.elections))
	for _, e := range s.elections {
		if !finished && now.After(e.End) {
			continue
		}
		out = append(out, map[string]any{
			"id":         e.ID,
			"nome":       e.Name,
			"descricao":  e.Description,
			"categorias": e.Categories,
			"dataInicio": e.Start.Unix(),
			"dataFim":    e.End.Unix(),
			"ativa":      e.Active,
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	electionID := r.URL.Query().Get("eleicaoId")

	s.mu.Lock()
	out := make([]map[string]string, 0)
	for i, c := range s.candidates[electionID] {
		out = append(out, map[string]string{
			"id":      electionID + "-c" + strconv.Itoa(i),
			"cargo":   c.Office,
			"numero":  c.Number,
			"nome":    c.Name,
			"partido": c.Party,
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	cpf, ok := s.bearerCPF(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "missing or invalid bearer")
		return
	}
	var req struct {
		EleicaoID string `json:"eleicaoId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EleicaoID == "" {
		writeMessage(w, http.StatusBadRequest, "eleicaoId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.electionExistsLocked(req.EleicaoID) {
		writeMessage(w, http.StatusNotFound, "election not found")
		return
	}
	key := issueKey(cpf, req.EleicaoID)
	if _, dup := s.issued[key]; dup {
		writeMessage(w, http.StatusConflict, "a token was already issued for this election")
		return
	}

	tok := randomToken()
	exp := s.now().Add(s.tokenTTL)
	s.tokens[tok] = &tokenState{cpf: cpf, electionID: req.EleicaoID, validUntil: exp}
	s.issued[key] = tok
	writeJSON(w, http.StatusOK, map[string]any{"tokenAnonimo": tok, "validoAte": exp.UnixMilli()})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenVotacao string `json:"tokenVotacao"`
		EleicaoID    string `json:"eleicaoId"`
		Votos        []struct {
			CategoriaID string `json:"categoriaId"`
			NumeroVoto  string `json:"numeroVoto"`
		} `json:"votos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Votos) == 0 {
		writeMessage(w, http.StatusBadRequest, "invalid batch")
		return
	}

	votes := make([]Vote, 0, len(req.Votos))
	for _, v := range req.Votos {
		votes = append(votes, Vote{ElectionID: req.EleicaoID, CategoryID: v.CategoriaID, Value: v.NumeroVoto})
	}
	s.commit(w, req.TokenVotacao, req.EleicaoID, votes)
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenVotacao    string `json:"tokenVotacao"`
		NumeroCandidato string `json:"numeroCandidato"`
		EleicaoID       string `json:"eleicaoId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NumeroCandidato == "" {
		writeMessage(w, http.StatusBadRequest, "invalid vote")
		return
	}

	s.mu.Lock()
	var cat string
	for _, e := range s.elections {
		if e.ID == req.EleicaoID && len(e.Categories) > 0 {
			cat = categoryID(e.ID, e.Categories[0], 0)
		}
	}
	s.mu.Unlock()

	s.commit(w, req.TokenVotacao, req.EleicaoID, []Vote{{ElectionID: req.EleicaoID, CategoryID: cat, Value: req.NumeroCandidato}})
}

func (s *Server) commit(w http.ResponseWriter, token, electionID string, votes []Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tokens[token]
	switch {
	case !ok || st.electionID != electionID:
		writeMessage(w, http.StatusUnauthorized, "invalid voting token")
		return
	case st.used:
		writeMessage(w, http.StatusForbidden, "voting token already used")
		return
	case !s.now().Before(st.validUntil):
		writeMessage(w, http.StatusForbidden, "voting token expired")
		return
	}

	seen := make(map[string]bool, len(votes))
	for _, v := range votes {
		if seen[v.CategoryID] {
			writeMessage(w, http.StatusUnprocessableEntity, "duplicate category "+v.CategoryID)
			return
		}
		seen[v.CategoryID] = true
		if err := s.checkVoteLocked(electionID, v); err != nil {
			writeMessage(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	now := s.now().UTC()
	b := &block{timestamp: now}
	if n := len(s.blocks); n > 0 {
		b.prev = s.blocks[n-1].hash
	}
	for _, v := range votes {
		b.votes = append(b.votes, vote{
			ElectionID: v.ElectionID,
			CategoryID: v.CategoryID,
			Number:     v.Value,
			Timestamp:  now.Format(time.RFC3339Nano),
		})
	}
	b.hash = b.computeHash()
	for i := range b.votes {
		b.votes[i].BlockHash = b.hash
	}

	s.blocks = append(s.blocks, b)
	s.byHash[b.hash] = b
	s.voterVotes[st.cpf] = append(s.voterVotes[st.cpf], b.votes...)
	s.batches = append(s.batches, append([]Vote(nil), votes...))
	st.used = true

	writeJSON(w, http.StatusOK, map[string]string{"hash": b.hash})
}

func (s *Server) checkVoteLocked(electionID string, v Vote) error {
	var e *Election
	for i := range s.elections {
		if s.elections[i].ID == electionID {
			e = &s.elections[i]
		}
	}
	if e == nil {
		return fmt.Errorf("election %s not found", electionID)
	}

	office := ""
	for i, c := range e.Categories {
		if categoryID(e.ID, c, i) == v.CategoryID {
			office = c
		}
	}
	if office == "" {
		return fmt.Errorf("unknown category %s", v.CategoryID)
	}
	if v.Value == authority.BlankValue || v.Value == authority.LegacyBlankValue {
		return nil
	}
	for _, c := range s.candidates[electionID] {
		if strings.EqualFold(c.Office, office) && c.Number == v.Value {
			return nil
		}
	}
	return fmt.Errorf("no candidate %s for %s", v.Value, office)
}

func (s *Server) handleMyBlocks(w http.ResponseWriter, r *http.Request) {
	cpf, ok := s.bearerCPF(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "missing or invalid bearer")
		return
	}
	if q := r.URL.Query().Get("cpf"); q != cpf {
		writeMessage(w, http.StatusForbidden, "cpf does not match session")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.shape {
	case ShapeSummaries:
		out := make([]map[string]any, 0)
		seen := make(map[string]bool)
		for _, v := range s.voterVotes[cpf] {
			if seen[v.BlockHash] {
				continue
			}
			seen[v.BlockHash] = true
			b := s.byHash[v.BlockHash]
			out = append(out, map[string]any{
				"hash":       b.hash,
				"timestamp":  b.timestamp.UnixMilli(),
				"totalVotos": len(b.votes),
			})
		}
		writeJSON(w, http.StatusOK, out)
	case ShapeBogus:
		writeJSON(w, http.StatusOK, map[string]any{"resultado": "ok"})
	default:
		votes := append([]vote(nil), s.voterVotes[cpf]...)
		if votes == nil {
			votes = []vote{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"votos": votes})
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHash[r.PathValue("hash")]
	if !ok {
		writeMessage(w, http.StatusNotFound, "block not found")
		return
	}
	out := map[string]any{
		"hash":      b.hash,
		"timestamp": b.timestamp.UnixMilli(),
		"votos":     b.visibleVotes(),
	}
	if b.prev != "" {
		out["hashAnterior"] = b.prev
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHash[r.PathValue("hash")]
	if !ok {
		writeMessage(w, http.StatusNotFound, "block not found")
		return
	}
	if b.computeHash() != b.hash {
		writeJSON(w, http.StatusOK, map[string]any{"valido": false, "mensagem": "hash mismatch"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valido": true, "mensagem": "ok"})
}

func (s *Server) handleVotesInBlock(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHash[r.PathValue("hash")]
	if !ok {
		writeMessage(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"votos": b.visibleVotes()})
}

func (s *Server) bearerCPF(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cpf, ok := s.bearers[bearer]
	return cpf, ok
}

func (s *Server) electionExistsLocked(id string) bool {
	for _, e := range s.elections {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (b *block) visibleVotes() []vote {
	out := append([]vote(nil), b.votes...)
	if b.tampered && len(out) > 0 {
		out[0].Number = "00"
	}
	return out
}

func (b *block) computeHash() string {
	h := sha256.New()
	h.Write([]byte(b.prev))
	h.Write([]byte(strconv.FormatInt(b.timestamp.UnixNano(), 10)))
	for _, v := range b.visibleVotes() {
		h.Write([]byte(v.ElectionID + "|" + v.CategoryID + "|" + v.Number + ";"))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func categoryID(electionID, name string, index int) string {
	return authority.CategoryID(electionID, name, index)
}

func issueKey(cpf, electionID string) string { return cpf + "\x00" + electionID }

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "anon-" + hex.EncodeToString(b[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

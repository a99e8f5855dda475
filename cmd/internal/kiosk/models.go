package kiosk

import (
	"time"

	"urna/cmd/internal/authority"
	"urna/cmd/internal/ballot"
	v1 "urna/contracts/kiosk/v1"
)

type loginRequest struct {
	CPF      string `json:"cpf"`
	Password string `json:"senha"`
}

type loginResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Name        string    `json:"nome"`
	Role        string    `json:"tipo"`
}

type electionResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"nome"`
	Description string    `json:"descricao,omitempty"`
	Categories  []string  `json:"categorias"`
	StartsAt    time.Time `json:"dataInicio"`
	EndsAt      time.Time `json:"dataFim"`
	Status      string    `json:"status"`
}

type createBallotRequest struct {
	ElectionID string `json:"electionId"`
}

type blockSummaryResponse struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	VoteCount int       `json:"totalVotos"`
}

type blockResponse struct {
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"hashAnterior,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Votes     []voteResponse `json:"votos"`
}

type voteResponse struct {
	ElectionID string    `json:"eleicaoId"`
	CategoryID string    `json:"categoriaId"`
	Number     string    `json:"numero"`
	Blank      bool      `json:"branco"`
	Timestamp  time.Time `json:"timestamp"`
	BlockHash  string    `json:"hashBlockchain"`
}

type validationResponse struct {
	Valid   bool   `json:"valido"`
	Message string `json:"mensagem,omitempty"`
}

type trailEntryResponse struct {
	blockSummaryResponse
	PrevHash string `json:"hashAnterior,omitempty"`
	Valid    bool   `json:"valido"`
	Message  string `json:"mensagem,omitempty"`
	Linked   bool   `json:"encadeado"`
}

func toElectionResponse(e authority.Election) electionResponse {
	return electionResponse{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Categories:  append([]string{}, e.Categories...),
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		Status:      string(e.Status),
	}
}

func toBlockSummary(s authority.BlockSummary) blockSummaryResponse {
	return blockSummaryResponse{Hash: s.Hash, Timestamp: s.Timestamp, VoteCount: s.VoteCount}
}

func toVotes(vs []authority.Vote) []voteResponse {
	out := make([]voteResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, voteResponse{
			ElectionID: v.ElectionID,
			CategoryID: v.CategoryID,
			Number:     v.Number,
			Blank:      v.Blank(),
			Timestamp:  v.Timestamp,
			BlockHash:  v.BlockHash,
		})
	}
	return out
}

// toSnapshotPayload renders a ballot snapshot for the wire.
func toSnapshotPayload(s ballot.Snapshot) v1.SnapshotPayload {
	p := v1.SnapshotPayload{
		BallotID:      s.SessionID,
		ElectionID:    s.ElectionID,
		State:         s.State.String(),
		CategoryIndex: s.CategoryIndex,
		CategoryCount: s.CategoryCount,
		Buffer:        s.Buffer,
		InvalidNumber: s.InvalidNumber,
		Selection: v1.SelectionView{
			Kind:   s.Selection.Kind.String(),
			Number: s.Selection.Number,
			Name:   s.Selection.Name,
			Party:  s.Selection.Party,
		},
		Confirmed: make([]v1.VoteView, 0, len(s.Pairs)),
		Notice:    s.Notice,
		BlockHash: s.BlockHash,
		Version:   s.Version,
	}
	if s.Category.ID != "" {
		p.Category = &v1.CategoryView{ID: s.Category.ID, Name: s.Category.Name}
	}
	for _, vp := range s.Pairs {
		p.Confirmed = append(p.Confirmed, v1.VoteView{CategoryID: vp.CategoryID, Value: vp.Value})
	}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt.UTC()
		p.ExpiresAt = &exp
	}
	if s.Error != nil {
		p.Error = &v1.ErrorPayload{Code: codeForKind(s.Error.Kind), Kind: s.Error.Kind.String(), Message: s.Error.Message}
	}
	return p
}

package authority

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire schema v1. Field names follow the authority's JSON verbatim.
// Optional fields are pointers or omitempty; required fields are checked after decode.

type loginRequest struct {
	CPF   string `json:"cpf"`
	Senha string `json:"senha"`
}

type loginResponse struct {
	Nome  string `json:"nome"`
	Tipo  string `json:"tipo"`
	Token string `json:"token"`
}

type electionWire struct {
	ID         *string  `json:"id"`
	Nome       *string  `json:"nome"`
	Descricao  string   `json:"descricao,omitempty"`
	Categorias []string `json:"categorias"`
	DataInicio *int64   `json:"dataInicio"` // unix seconds
	DataFim    *int64   `json:"dataFim"`    // unix seconds
	Ativa      bool     `json:"ativa"`
}

type candidateWire struct {
	ID      string `json:"id"`
	Cargo   string `json:"cargo"`
	Numero  string `json:"numero"`
	Nome    string `json:"nome"`
	UF      string `json:"uf,omitempty"`
	Partido string `json:"partido"`
	FotoURL string `json:"fotoUrl,omitempty"`
}

type issueTokenRequest struct {
	EleicaoID string `json:"eleicaoId"`
}

type issueTokenResponse struct {
	TokenAnonimo string `json:"tokenAnonimo"`
	ValidoAte    *int64 `json:"validoAte"` // unix milliseconds
}

type batchVoteWire struct {
	CategoriaID string `json:"categoriaId"`
	NumeroVoto  string `json:"numeroVoto"`
}

type batchRequest struct {
	TokenVotacao string          `json:"tokenVotacao"`
	EleicaoID    string          `json:"eleicaoId"`
	Votos        []batchVoteWire `json:"votos"`
}

type singleVoteRequest struct {
	TokenVotacao    string `json:"tokenVotacao"`
	NumeroCandidato string `json:"numeroCandidato"`
	EleicaoID       string `json:"eleicaoId"`
}

type hashResponse struct {
	Hash string `json:"hash"`
}

type voteWire struct {
	EleicaoID       string        `json:"eleicaoId"`
	EleicaoNome     string        `json:"eleicaoNome,omitempty"`
	CategoriaID     string        `json:"categoriaId"`
	CategoriaNome   string        `json:"categoriaNome,omitempty"`
	CandidatoNumero string        `json:"candidatoNumero"`
	Timestamp       wireTimestamp `json:"timestamp"`
	HashBlockchain  string        `json:"hashBlockchain,omitempty"`
}

type votesEnvelope struct {
	Votos *[]voteWire `json:"votos"`
}

type blockWire struct {
	Hash         string        `json:"hash"`
	Timestamp    wireTimestamp `json:"timestamp"`
	Votos        []voteWire    `json:"votos"`
	HashAnterior *string       `json:"hashAnterior,omitempty"`
}

type blockSummaryWire struct {
	Hash       string        `json:"hash"`
	Timestamp  wireTimestamp `json:"timestamp"`
	TotalVotos *int          `json:"totalVotos"`
}

type validationWire struct {
	Valido   *bool  `json:"valido"`
	Mensagem string `json:"mensagem"`
}

// wireTimestamp accepts unix milliseconds (number or numeric string) or RFC3339.
// Anything else fails the decode; silently defaulting would hide a schema drift.
type wireTimestamp struct {
	time.Time
}

func (t *wireTimestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: missing timestamp", ErrUnrecognizedShape)
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: timestamp: %v", ErrUnrecognizedShape, err)
		}
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = ts.UTC()
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		return fmt.Errorf("%w: timestamp %q", ErrUnrecognizedShape, s)
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrUnrecognizedShape, err)
	}
	ms, err := n.Int64()
	if err != nil {
		return fmt.Errorf("%w: timestamp %s", ErrUnrecognizedShape, n)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (t wireTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

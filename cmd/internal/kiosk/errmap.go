package kiosk

import (
	"errors"
	"net/http"

	"urna/cmd/internal/audit"
	"urna/cmd/internal/authority"
	"urna/cmd/internal/ballot"
	"urna/cmd/internal/votetoken"
	v1 "urna/contracts/kiosk/v1"
)

// Error codes returned in {"error":{"code":...}}.
const (
	codeInvalidJSON          = "invalid_json"
	codeInvalidRequest       = "invalid_request"
	codeUnauthorized         = "unauthorized"
	codeInvalidCredentials   = "invalid_credentials"
	codeRateLimited          = "rate_limited"
	codeTokenOutstanding     = "token_outstanding"
	codeTokenExpired         = "token_expired"
	codeBallotClosed         = "ballot_closed"
	codeBallotNotFound       = "ballot_not_found"
	codeElectionNotOpen      = "election_not_open"
	codeInvalidEvent         = "invalid_event"
	codeInvalidHash          = "invalid_hash"
	codeRejected             = "rejected"
	codeNotFound             = "not_found"
	codeAuthorityUnavailable = "authority_unavailable"
	codeAuthorityError       = "authority_error"
	codeInternal             = "internal"
)

// classify maps an error to an HTTP status and wire error.
func classify(err error) (int, v1.ErrorPayload) {
	kind := ballot.KindOf(err)
	p := v1.ErrorPayload{Kind: kind.String(), Message: ballot.MessageOf(err)}

	switch {
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrSessionNotFound):
		p.Code, p.Message = codeUnauthorized, "authentication required"
		return http.StatusUnauthorized, p
	case errors.Is(err, ErrBallotNotFound):
		p.Code, p.Message = codeBallotNotFound, err.Error()
		return http.StatusNotFound, p
	case votetoken.IsOutstanding(err):
		p.Code = codeTokenOutstanding
		return http.StatusConflict, p
	case errors.Is(err, ballot.ErrTokenExpired):
		p.Code, p.Message = codeTokenExpired, err.Error()
		return http.StatusGone, p
	case errors.Is(err, ballot.ErrSessionClosed):
		p.Code, p.Message = codeBallotClosed, err.Error()
		return http.StatusGone, p
	case errors.Is(err, ballot.ErrElectionNotOpen):
		p.Code, p.Message = codeElectionNotOpen, err.Error()
		return http.StatusConflict, p
	case errors.Is(err, audit.ErrInvalidHash):
		p.Code, p.Message = codeInvalidHash, err.Error()
		return http.StatusBadRequest, p
	}

	var ae *authority.Error
	if !errors.As(err, &ae) {
		if kind == authority.KindValidation {
			p.Code, p.Message = codeInvalidEvent, err.Error()
			return http.StatusUnprocessableEntity, p
		}
		if kind == authority.KindTransient {
			p.Code = codeAuthorityUnavailable
			return http.StatusServiceUnavailable, p
		}
		p.Code, p.Kind, p.Message = codeInternal, authority.KindTerminal.String(), "internal error"
		return http.StatusInternalServerError, p
	}

	switch ae.Kind {
	case authority.KindTransient:
		p.Code = codeAuthorityUnavailable
		return http.StatusServiceUnavailable, p
	case authority.KindValidation:
		p.Code = codeRejected
		return http.StatusUnprocessableEntity, p
	case authority.KindConflict:
		p.Code = codeTokenOutstanding
		return http.StatusConflict, p
	}
	if ae.Status == http.StatusNotFound {
		p.Code = codeNotFound
		return http.StatusNotFound, p
	}
	p.Code = codeAuthorityError
	return http.StatusBadGateway, p
}

// codeForKind is the code attached to errors embedded in snapshots.
func codeForKind(k authority.Kind) string {
	switch k {
	case authority.KindTransient:
		return codeAuthorityUnavailable
	case authority.KindConflict:
		return codeTokenOutstanding
	case authority.KindValidation:
		return codeInvalidEvent
	default:
		return codeBallotClosed
	}
}

func writeClassified(w http.ResponseWriter, err error, snap *v1.SnapshotPayload) {
	status, p := classify(err)
	writeJSON(w, status, errorResponse{Error: p, Snapshot: snap})
}

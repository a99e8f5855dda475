package kiosk

import (
	"net/http"
	"strings"
	"testing"

	"urna/cmd/internal/authority/authoritytest"
	v1 "urna/contracts/kiosk/v1"
)

func (f *kioskFixture) event(t *testing.T, access, ballotID string, ev v1.EventPayload) (int, v1.SnapshotPayload, errorResponse) {
	t.Helper()
	var raw struct {
		v1.SnapshotPayload
		Error    *v1.ErrorPayload    `json:"error"`
		Snapshot *v1.SnapshotPayload `json:"snapshot"`
	}
	st := f.call(t, http.MethodPost, "/v1/ballots/"+ballotID+"/events", access, ev, &raw)
	if st != http.StatusOK {
		er := errorResponse{Snapshot: raw.Snapshot}
		if raw.Error != nil {
			er.Error = *raw.Error
		}
		return st, v1.SnapshotPayload{}, er
	}
	return st, raw.SnapshotPayload, errorResponse{}
}

func (f *kioskFixture) mustEvent(t *testing.T, access, ballotID string, typ, digit string) v1.SnapshotPayload {
	t.Helper()
	st, snap, er := f.event(t, access, ballotID, v1.EventPayload{Type: typ, Digit: digit})
	if st != http.StatusOK {
		t.Fatalf("event %s%s: status %d: %+v", typ, digit, st, er.Error)
	}
	return snap
}

func (f *kioskFixture) createBallot(t *testing.T, access string) v1.SnapshotPayload {
	t.Helper()
	var snap v1.SnapshotPayload
	if st := f.call(t, http.MethodPost, "/v1/ballots", access, createBallotRequest{ElectionID: "E1"}, &snap); st != http.StatusCreated {
		t.Fatalf("create ballot: status %d", st)
	}
	return snap
}

func TestKiosk_FullBallotThenAudit(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "123.456.789-01")

	var elections []electionResponse
	if st := f.call(t, http.MethodGet, "/v1/elections", access, nil, &elections); st != http.StatusOK {
		t.Fatalf("elections: status %d", st)
	}
	if len(elections) != 1 || elections[0].Status != "ativa" {
		t.Fatalf("unexpected elections: %+v", elections)
	}

	snap := f.createBallot(t, access)
	if snap.State != "token_confirmed_intro" || !strings.Contains(snap.Notice, "minutes") {
		t.Fatalf("unexpected intro snapshot: %+v", snap)
	}
	id := snap.BallotID

	f.mustEvent(t, access, id, v1.EventAcknowledge, "")
	f.mustEvent(t, access, id, v1.EventDigit, "1")
	snap = f.mustEvent(t, access, id, v1.EventDigit, "3")
	if snap.Selection.Kind != "candidate" || snap.Selection.Name != "Alice" {
		t.Fatalf("expected Alice selected: %+v", snap.Selection)
	}
	f.mustEvent(t, access, id, v1.EventConfirm, "")
	snap = f.mustEvent(t, access, id, v1.EventCommit, "")
	if snap.State != "entering_category" || snap.CategoryIndex != 1 {
		t.Fatalf("expected second category: %+v", snap)
	}
	if len(f.fake.Batches()) != 0 {
		t.Fatal("votes sent before the last category")
	}
	f.mustEvent(t, access, id, v1.EventBlank, "")
	f.mustEvent(t, access, id, v1.EventConfirm, "")
	snap = f.mustEvent(t, access, id, v1.EventCommit, "")
	if snap.State != "completed" || snap.BlockHash == "" {
		t.Fatalf("expected completed ballot: %+v", snap)
	}
	if b := f.fake.Batches(); len(b) != 1 || len(b[0]) != 2 {
		t.Fatalf("expected one batch of 2 votes, got %+v", b)
	}

	var blocks []blockSummaryResponse
	if st := f.call(t, http.MethodGet, "/v1/audit/blocks", access, nil, &blocks); st != http.StatusOK {
		t.Fatalf("audit blocks: status %d", st)
	}
	if len(blocks) != 1 || blocks[0].Hash != snap.BlockHash || blocks[0].VoteCount != 2 {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}

	var v validationResponse
	if st := f.call(t, http.MethodPost, "/v1/audit/blocks/"+snap.BlockHash+"/validate", access, nil, &v); st != http.StatusOK || !v.Valid {
		t.Fatalf("validate: status %d, %+v", st, v)
	}

	var votes []voteResponse
	if st := f.call(t, http.MethodGet, "/v1/audit/blocks/"+snap.BlockHash+"/votes", access, nil, &votes); st != http.StatusOK {
		t.Fatalf("votes: status %d", st)
	}
	if len(votes) != 2 || !votes[1].Blank {
		t.Fatalf("unexpected votes: %+v", votes)
	}

	var trail []trailEntryResponse
	if st := f.call(t, http.MethodGet, "/v1/audit/trail", access, nil, &trail); st != http.StatusOK {
		t.Fatalf("trail: status %d", st)
	}
	if len(trail) != 1 || !trail[0].Valid || !trail[0].Linked {
		t.Fatalf("unexpected trail: %+v", trail)
	}

	// The token is spent; the authority refuses another one and the cache is empty.
	var er errorResponse
	if st := f.call(t, http.MethodPost, "/v1/ballots", access, createBallotRequest{ElectionID: "E1"}, &er); st != http.StatusConflict {
		t.Fatalf("second ballot: status %d", st)
	}
	if er.Error.Code != codeTokenOutstanding || er.Error.Kind != "conflict" {
		t.Fatalf("unexpected error: %+v", er.Error)
	}
}

func TestKiosk_OutstandingTokenElsewhere(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	f.fake.PreIssue("12345678901", "E1")
	access := f.login(t, "12345678901")

	var er errorResponse
	st := f.call(t, http.MethodPost, "/v1/ballots", access, createBallotRequest{ElectionID: "E1"}, &er)
	if st != http.StatusConflict || er.Error.Code != codeTokenOutstanding {
		t.Fatalf("expected token_outstanding, got %d %+v", st, er.Error)
	}
	if !strings.Contains(er.Error.Message, "already issued") {
		t.Fatalf("unexpected message: %q", er.Error.Message)
	}
	if er.Snapshot == nil || er.Snapshot.State != "aborted" {
		t.Fatalf("expected aborted snapshot, got %+v", er.Snapshot)
	}
}

func TestKiosk_LogoutAbortsAndTokenSurvives(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "12345678901")
	snap := f.createBallot(t, access)
	f.mustEvent(t, access, snap.BallotID, v1.EventAcknowledge, "")

	if st := f.call(t, http.MethodPost, "/v1/logout", access, nil, nil); st != http.StatusNoContent {
		t.Fatalf("logout: status %d", st)
	}
	if st := f.call(t, http.MethodGet, "/v1/ballots/"+snap.BallotID, access, nil, nil); st != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", st)
	}

	access = f.login(t, "12345678901")
	again := f.createBallot(t, access)
	if again.BallotID == snap.BallotID || again.State != "token_confirmed_intro" {
		t.Fatalf("unexpected resumed ballot: %+v", again)
	}
	if n := f.fake.Calls(authoritytest.OpIssueToken); n != 1 {
		t.Fatalf("expected the cached token to be reused, issuance calls=%d", n)
	}
}

func TestKiosk_CreateBallotResumesOpenBallot(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "12345678901")
	first := f.createBallot(t, access)

	var second v1.SnapshotPayload
	if st := f.call(t, http.MethodPost, "/v1/ballots", access, createBallotRequest{ElectionID: "E1"}, &second); st != http.StatusOK {
		t.Fatalf("resume: status %d", st)
	}
	if second.BallotID != first.BallotID {
		t.Fatalf("expected the open ballot back, got %s want %s", second.BallotID, first.BallotID)
	}
}

func TestKiosk_RejectedEventsCarrySnapshot(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "12345678901")
	snap := f.createBallot(t, access)
	f.mustEvent(t, access, snap.BallotID, v1.EventAcknowledge, "")

	st, _, er := f.event(t, access, snap.BallotID, v1.EventPayload{Type: v1.EventConfirm})
	if st != http.StatusUnprocessableEntity || er.Error.Code != codeInvalidEvent || er.Error.Kind != "validation" {
		t.Fatalf("confirm without selection: %d %+v", st, er.Error)
	}
	if er.Snapshot == nil || er.Snapshot.State != "entering_category" {
		t.Fatalf("expected unchanged snapshot, got %+v", er.Snapshot)
	}

	st, _, er = f.event(t, access, snap.BallotID, v1.EventPayload{Type: v1.EventDigit, Digit: "x"})
	if st != http.StatusUnprocessableEntity {
		t.Fatalf("bad digit: %d %+v", st, er.Error)
	}

	st, _, _ = f.event(t, access, snap.BallotID, v1.EventPayload{Type: "submit_ok"})
	if st != http.StatusUnprocessableEntity {
		t.Fatalf("internal event accepted: %d", st)
	}
}

func TestKiosk_AuthAndOwnership(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)

	if st := f.call(t, http.MethodGet, "/v1/elections", "", nil, nil); st != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", st)
	}
	if st := f.call(t, http.MethodGet, "/v1/elections", "v4.public.garbage", nil, nil); st != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", st)
	}

	var er errorResponse
	st := f.call(t, http.MethodPost, "/v1/login", "", map[string]string{"cpf": "12345678901", "senha": "nope"}, &er)
	if st != http.StatusUnauthorized || er.Error.Code != codeInvalidCredentials {
		t.Fatalf("bad password: %d %+v", st, er.Error)
	}

	ana := f.login(t, "12345678901")
	bia := f.login(t, "98765432100")
	snap := f.createBallot(t, ana)

	if st := f.call(t, http.MethodGet, "/v1/ballots/"+snap.BallotID, bia, nil, &er); st != http.StatusNotFound || er.Error.Code != codeBallotNotFound {
		t.Fatalf("foreign ballot: %d %+v", st, er.Error)
	}
}

func TestKiosk_LoginRateLimited(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)

	var last int
	for range f.cfg.LoginMax + 1 {
		last = f.call(t, http.MethodPost, "/v1/login", "", map[string]string{"cpf": "12345678901", "senha": "nope"}, nil)
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last)
	}
	if n := f.fake.Calls(authoritytest.OpLogin); n != f.cfg.LoginMax {
		t.Fatalf("throttled attempts reached the authority: %d", n)
	}
}

func TestKiosk_AuditRejectsMalformedHashLocally(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "12345678901")

	var er errorResponse
	if st := f.call(t, http.MethodGet, "/v1/audit/blocks/0xzz", access, nil, &er); st != http.StatusBadRequest || er.Error.Code != codeInvalidHash {
		t.Fatalf("malformed hash: %d %+v", st, er.Error)
	}
	if n := f.fake.Calls(authoritytest.OpBlock); n != 0 {
		t.Fatalf("authority called for malformed hash: %d", n)
	}
}

func TestKiosk_AuthorityDownIsTransient(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "12345678901")
	f.fake.FailNext(authoritytest.OpListElections, http.StatusBadGateway, "upstream down")

	var er errorResponse
	if st := f.call(t, http.MethodGet, "/v1/elections", access, nil, &er); st != http.StatusServiceUnavailable || er.Error.Kind != "transient" {
		t.Fatalf("expected 503 transient, got %d %+v", st, er.Error)
	}
}

package authority_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"urna/cmd/internal/authority"
	"urna/cmd/internal/authority/authoritytest"
)

func newFixture(t *testing.T, opts ...authority.Option) (*authoritytest.Server, *authority.Client) {
	t.Helper()

	fake := authoritytest.New()
	t.Cleanup(fake.Close)

	now := time.Now()
	fake.AddUser("12345678901", "secret", "Ana", "eleitor")
	fake.AddElection(authoritytest.Election{
		ID:         "E1",
		Name:       "General",
		Categories: []string{"Presidente", "Governador"},
		Start:      now.Add(-time.Hour),
		End:        now.Add(time.Hour),
		Active:     true,
	})
	fake.AddCandidate("E1", authoritytest.Candidate{Office: "PRESIDENTE", Number: "13", Name: "Alice", Party: "PA"})
	fake.AddCandidate("E1", authoritytest.Candidate{Office: "GOVERNADOR", Number: "45", Name: "Bruno", Party: "PB"})

	c, err := authority.New(fake.URL(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fake, c
}

func TestLogin_StripsCPFAndReturnsBearer(t *testing.T) {
	t.Parallel()
	_, c := newFixture(t)

	u, err := c.Login(context.Background(), "123.456.789-01", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.CPF != "12345678901" || u.Bearer == "" || u.Name != "Ana" {
		t.Fatalf("unexpected user: %+v", u)
	}

	_, err = c.Login(context.Background(), "12345678901", "wrong")
	if authority.KindOf(err) != authority.KindTerminal || authority.StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected terminal 401, got %v", err)
	}
	if authority.MessageOf(err) != "invalid credentials" {
		t.Fatalf("expected server message, got %q", authority.MessageOf(err))
	}
}

func TestListElections_DerivesStatus(t *testing.T) {
	t.Parallel()
	_, c := newFixture(t)

	list, err := c.ListElections(context.Background(), true)
	if err != nil {
		t.Fatalf("ListElections: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 election, got %d", len(list))
	}
	e := list[0]
	if e.Status != authority.StatusActive {
		t.Fatalf("expected active, got %s", e.Status)
	}
	if len(e.Categories) != 2 || e.Categories[0] != "Presidente" {
		t.Fatalf("categories out of order: %v", e.Categories)
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name       string
		start, end time.Time
		active     bool
		want       authority.Status
	}{
		{"past", now.Add(-2 * time.Hour), now.Add(-time.Hour), true, authority.StatusClosed},
		{"running", now.Add(-time.Hour), now.Add(time.Hour), true, authority.StatusActive},
		{"running_inactive", now.Add(-time.Hour), now.Add(time.Hour), false, authority.StatusClosed},
		{"future", now.Add(time.Hour), now.Add(2 * time.Hour), true, authority.StatusUpcoming},
	}
	for _, tc := range cases {
		if got := authority.DeriveStatus(now, tc.start, tc.end, tc.active); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestIssueToken_ConflictOnSecondIssuance(t *testing.T) {
	t.Parallel()
	fake, c := newFixture(t)
	ctx := context.Background()

	u, err := c.Login(ctx, "12345678901", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tok, err := c.IssueToken(ctx, u.Bearer, "E1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if tok.Token == "" || !tok.ValidUntil.After(time.Now()) {
		t.Fatalf("unexpected token: %+v", tok)
	}

	_, err = c.IssueToken(ctx, u.Bearer, "E1")
	if !authority.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if authority.IsRetryable(err) {
		t.Fatalf("conflict must not be retryable")
	}
	if fake.HeaderLeak() {
		t.Fatalf("anonymous token observed in a request header")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   authority.Kind
	}{
		{http.StatusInternalServerError, authority.KindTransient},
		{http.StatusBadGateway, authority.KindTransient},
		{http.StatusTooManyRequests, authority.KindTransient},
		{http.StatusConflict, authority.KindConflict},
		{http.StatusBadRequest, authority.KindValidation},
		{http.StatusUnprocessableEntity, authority.KindValidation},
		{http.StatusNotFound, authority.KindTerminal},
		{http.StatusForbidden, authority.KindTerminal},
	}
	for _, tc := range cases {
		fake, c := newFixture(t)
		fake.FailNext(authoritytest.OpListElections, tc.status, "")
		_, err := c.ListElections(context.Background(), false)
		if got := authority.KindOf(err); got != tc.want {
			t.Fatalf("status %d: got %s want %s (%v)", tc.status, got, tc.want, err)
		}
		if authority.MessageOf(err) == "" {
			t.Fatalf("status %d: empty message", tc.status)
		}
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	fake, c := newFixture(t, authority.WithTimeout(50*time.Millisecond))
	fake.SetDelay(authoritytest.OpListElections, time.Second)

	_, err := c.ListElections(context.Background(), false)
	if !authority.IsRetryable(err) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestSubmitBatch_BlankSentinel(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []string{authority.BlankValue, authority.LegacyBlankValue} {
		fake, c := newFixture(t, authority.WithBlankSentinel(sentinel))
		ctx := context.Background()

		u, err := c.Login(ctx, "12345678901", "secret")
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		tok, err := c.IssueToken(ctx, u.Bearer, "E1")
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}

		pairs := []authority.VotePair{
			{CategoryID: authority.CategoryID("E1", "Presidente", 0), Value: "13"},
			{CategoryID: authority.CategoryID("E1", "Governador", 1), Value: authority.BlankValue},
		}
		ref, err := c.SubmitBatch(ctx, tok.Token, "E1", pairs)
		if err != nil {
			t.Fatalf("SubmitBatch: %v", err)
		}
		if !strings.HasPrefix(ref.Hash, "0x") {
			t.Fatalf("unexpected hash %q", ref.Hash)
		}

		batches := fake.Batches()
		if len(batches) != 1 || len(batches[0]) != 2 {
			t.Fatalf("expected one batch of two, got %+v", batches)
		}
		if batches[0][1].Value != sentinel {
			t.Fatalf("blank sent as %q, want %q", batches[0][1].Value, sentinel)
		}

		votes, err := c.VotesInBlock(ctx, ref.Hash)
		if err != nil {
			t.Fatalf("VotesInBlock: %v", err)
		}
		if len(votes) != 2 || !votes[1].Blank() {
			t.Fatalf("expected blank read back as domain sentinel: %+v", votes)
		}
	}
}

func TestSubmitBatch_RejectsEmpty(t *testing.T) {
	t.Parallel()
	fake, c := newFixture(t)

	_, err := c.SubmitBatch(context.Background(), "tok", "E1", nil)
	if !errors.Is(err, authority.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if fake.Calls(authoritytest.OpSubmitBatch) != 0 {
		t.Fatalf("invalid input must not reach the network")
	}
}

func TestMyBlocks_BothShapes(t *testing.T) {
	t.Parallel()
	fake, c := newFixture(t)
	ctx := context.Background()

	u, err := c.Login(ctx, "12345678901", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	tok, err := c.IssueToken(ctx, u.Bearer, "E1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ref, err := c.SubmitBatch(ctx, tok.Token, "E1", []authority.VotePair{
		{CategoryID: authority.CategoryID("E1", "Presidente", 0), Value: "13"},
		{CategoryID: authority.CategoryID("E1", "Governador", 1), Value: "45"},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	got, err := c.MyBlocks(ctx, u.Bearer, u.CPF)
	if err != nil {
		t.Fatalf("MyBlocks(votes): %v", err)
	}
	if len(got.BlockHashes) != 1 || got.BlockHashes[0] != ref.Hash || len(got.Summaries) != 0 {
		t.Fatalf("votes shape: %+v", got)
	}

	fake.SetMyBlocksShape(authoritytest.ShapeSummaries)
	got, err = c.MyBlocks(ctx, u.Bearer, u.CPF)
	if err != nil {
		t.Fatalf("MyBlocks(summaries): %v", err)
	}
	if len(got.Summaries) != 1 || got.Summaries[0].VoteCount != 2 {
		t.Fatalf("summaries shape: %+v", got)
	}

	fake.SetMyBlocksShape(authoritytest.ShapeBogus)
	_, err = c.MyBlocks(ctx, u.Bearer, u.CPF)
	if !errors.Is(err, authority.ErrUnrecognizedShape) {
		t.Fatalf("expected ErrUnrecognizedShape, got %v", err)
	}
}

func TestBlockAndValidate(t *testing.T) {
	t.Parallel()
	fake, c := newFixture(t)
	ctx := context.Background()

	u, _ := c.Login(ctx, "12345678901", "secret")
	tok, err := c.IssueToken(ctx, u.Bearer, "E1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ref, err := c.SubmitBatch(ctx, tok.Token, "E1", []authority.VotePair{
		{CategoryID: authority.CategoryID("E1", "Presidente", 0), Value: "13"},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	b, err := c.Block(ctx, ref.Hash)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if b.Hash != ref.Hash || len(b.Votes) != 1 || b.Timestamp.IsZero() {
		t.Fatalf("unexpected block: %+v", b)
	}

	v, err := c.ValidateBlock(ctx, ref.Hash)
	if err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
	if !v.Valid {
		t.Fatalf("expected valid block: %+v", v)
	}

	fake.Tamper(ref.Hash)
	v, err = c.ValidateBlock(ctx, ref.Hash)
	if err != nil {
		t.Fatalf("ValidateBlock(tampered): %v", err)
	}
	if v.Valid || v.Message == "" {
		t.Fatalf("expected invalid verdict with reason: %+v", v)
	}

	_, err = c.Block(ctx, "0xdead")
	if authority.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	if _, err := authority.New("ftp://example"); err == nil {
		t.Fatalf("expected error for non-http base url")
	}
	if _, err := authority.New("", authority.WithBlankSentinel("NULO")); err == nil {
		t.Fatalf("expected error for unknown blank sentinel")
	}
}

package kiosk

import (
	"net/http"
	"testing"
	"time"

	v1 "urna/contracts/kiosk/v1"
)

func TestRegistry_SweepAbortsIdleBallotThenDropsSession(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	access := f.login(t, "12345678901")
	snap := f.createBallot(t, access)
	f.mustEvent(t, access, snap.BallotID, v1.EventAcknowledge, "")

	f.clock.advance(2 * time.Minute)
	f.registry.Sweep()

	var got v1.SnapshotPayload
	if st := f.call(t, http.MethodGet, "/v1/ballots/"+snap.BallotID, access, nil, &got); st != http.StatusOK {
		t.Fatalf("get: status %d", st)
	}
	if got.State != "aborted" {
		t.Fatalf("expected idle ballot aborted, got %s", got.State)
	}
	if sessions, open := f.registry.Len(); sessions != 1 || open != 0 {
		t.Fatalf("Len = %d, %d", sessions, open)
	}

	f.clock.advance(2 * time.Minute)
	f.registry.Sweep()
	if sessions, _ := f.registry.Len(); sessions != 0 {
		t.Fatalf("expected idle session dropped, %d left", sessions)
	}
	if st := f.call(t, http.MethodGet, "/v1/ballots/"+snap.BallotID, access, nil, nil); st != http.StatusUnauthorized {
		t.Fatalf("expected 401 after drop, got %d", st)
	}
}

func TestRegistry_SweepExpiresToken(t *testing.T) {
	t.Parallel()
	f := newKioskFixture(t)
	f.registry.idleTTL = time.Hour
	access := f.login(t, "12345678901")
	snap := f.createBallot(t, access)

	f.clock.advance(16 * time.Minute)
	f.registry.Sweep()

	var got v1.SnapshotPayload
	if st := f.call(t, http.MethodGet, "/v1/ballots/"+snap.BallotID, access, nil, &got); st != http.StatusOK {
		t.Fatalf("get: status %d", st)
	}
	if got.State != "aborted" || got.Error == nil || got.Error.Kind != "terminal" {
		t.Fatalf("expected expired ballot, got %+v", got)
	}
}

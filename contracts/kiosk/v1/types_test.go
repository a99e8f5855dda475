package v1

import (
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeEvent, TS: time.Now()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := []Envelope{
		{Type: TypeEvent},
		{V: "v2", Type: TypeEvent},
		{V: Version},
		{V: Version, Type: "message_send"},
	}
	for _, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("expected error for %+v", e)
		}
	}
}

func TestEventPayloadValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		p  EventPayload
		ok bool
	}{
		{EventPayload{Type: EventDigit, Digit: "7"}, true},
		{EventPayload{Type: EventDigit, Digit: "77"}, false},
		{EventPayload{Type: EventDigit, Digit: "x"}, false},
		{EventPayload{Type: EventDigit}, false},
		{EventPayload{Type: EventCommit}, true},
		{EventPayload{Type: "submit_ok"}, false},
		{EventPayload{}, false},
	}
	for _, tc := range cases {
		err := tc.p.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("Validate(%+v) = %v, want ok=%v", tc.p, err, tc.ok)
		}
	}
}

package domain

import (
	"regexp"
	"testing"
)

func TestMessageIDDeterministic(t *testing.T) {
	a := MessageID("+1555", "hi", "2024-01-01T00:00:00Z", DirectionIn)
	b := MessageID("+1555", "hi", "2024-01-01T00:00:00Z", DirectionIn)
	if a != b {
		t.Fatalf("expected identical ids, got %q and %q", a, b)
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(a) {
		t.Fatalf("unexpected id format: %q", a)
	}
}

func TestMessageIDDependsOnEveryField(t *testing.T) {
	base := MessageID("+1555", "hi", "2024-01-01T00:00:00Z", DirectionIn)
	variants := map[string]string{
		"phone":     MessageID("+1556", "hi", "2024-01-01T00:00:00Z", DirectionIn),
		"text":      MessageID("+1555", "hello", "2024-01-01T00:00:00Z", DirectionIn),
		"timestamp": MessageID("+1555", "hi", "2024-01-01T00:00:01Z", DirectionIn),
		"direction": MessageID("+1555", "hi", "2024-01-01T00:00:00Z", DirectionOut),
	}
	for name, id := range variants {
		if id == base {
			t.Fatalf("changing %s did not change the id", name)
		}
	}
}

func TestMessageIDKnownValue(t *testing.T) {
	got := MessageID("+1555", "hi", "2024-01-01T00:00:00Z", DirectionIn)
	want := "f3a5a115db3e951a8fe0515741995664"
	if got != want {
		t.Fatalf("id = %q, want %q", got, want)
	}
}

func TestParseProcessingState(t *testing.T) {
	for _, s := range []string{"Pending", "Processed", "Sent", "Delivered", "Failed"} {
		if _, ok := ParseProcessingState(s); !ok {
			t.Fatalf("expected %q to parse", s)
		}
	}
	for _, s := range []string{"", "pending", "Queued"} {
		if _, ok := ParseProcessingState(s); ok {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

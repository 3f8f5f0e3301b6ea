package utils

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewID_IsUUID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid, got %q: %v", id, err)
	}
	if NewID() == id {
		t.Fatal("ids must not repeat")
	}
}

func TestDefaultDisplayName(t *testing.T) {
	if got := DefaultDisplayName("a1b2c3d4-e5"); got != "User-a1b2c" {
		t.Fatalf("got %q", got)
	}
	if got := DefaultDisplayName("ab"); got != "User-ab" {
		t.Fatalf("got %q", got)
	}
}

func TestRoomName(t *testing.T) {
	if got := RoomName("Alice"); got != "Alice's Room" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeAndTruncate(t *testing.T) {
	if got := SanitizeString("  Bob\x00\n "); got != "Bob" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateString("abcdefgh", 6); got != "abc..." {
		t.Fatalf("got %q", got)
	}
	if got := TruncateString("héllo", 10); got != "héllo" {
		t.Fatalf("got %q", got)
	}
}

package utils

import (
	"strings"
	"testing"
)

func TestContentID(t *testing.T) {
	content := []byte("fake image content")

	id := ContentID(content)
	if len(id) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(id))
	}

	// Verify Determinism
	if id2 := ContentID(content); id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	if id3 := ContentID(append(content, []byte(" modification")...)); id == id3 {
		t.Error("Hash did not change after content modification")
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand("sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit to surface as an error")
	}
	if got := strings.TrimSpace(cmd.Stderr.String()); got != "boom" {
		t.Errorf("Expected stderr 'boom', got %q", got)
	}
}

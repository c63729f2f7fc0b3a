package room

import (
	"fmt"
	"strings"
)

// Room key prefixes. A room key is "<prefix><entity id>", e.g. "deal:42".
const (
	UserPrefix = "user:"
	DealPrefix = "deal:"
	DocPrefix  = "doc:"
	RunPrefix  = "run:"
)

// MaxKeyLen bounds room key length so keys stay usable as broker subject
// tokens and Redis key components.
const MaxKeyLen = 128

// UserRoom returns the room key for per-user pushes.
func UserRoom(userID string) string { return UserPrefix + userID }

// DealRoom returns the room key for a deal's notification fan-out.
func DealRoom(dealID string) string { return DealPrefix + dealID }

// DocRoom returns the room key for a collaborative document.
func DocRoom(docID string) string { return DocPrefix + docID }

// RunRoom returns the room key for an AI generation run.
func RunRoom(runID string) string { return RunPrefix + runID }

// IsRunRoom reports whether key addresses an AI run room.
func IsRunRoom(key string) bool { return strings.HasPrefix(key, RunPrefix) }

// RunID extracts the run ID from a run room key. The second return value is
// false if key is not a run room or the ID part is empty.
func RunID(key string) (string, bool) {
	if !strings.HasPrefix(key, RunPrefix) {
		return "", false
	}
	id := key[len(RunPrefix):]
	return id, id != ""
}

// ValidateKey checks the room key grammar: a known prefix followed by a
// non-empty entity ID containing no whitespace or broker subject
// metacharacters ('.', '*', '>').
func ValidateKey(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("room: empty key")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("room: key exceeds %d bytes", MaxKeyLen)
	}

	var id string
	switch {
	case strings.HasPrefix(key, UserPrefix):
		id = key[len(UserPrefix):]
	case strings.HasPrefix(key, DealPrefix):
		id = key[len(DealPrefix):]
	case strings.HasPrefix(key, DocPrefix):
		id = key[len(DocPrefix):]
	case strings.HasPrefix(key, RunPrefix):
		id = key[len(RunPrefix):]
	default:
		return fmt.Errorf("room: unknown key prefix in %q", key)
	}

	if id == "" {
		return fmt.Errorf("room: empty entity id in %q", key)
	}
	if strings.ContainsAny(id, " \t\r\n.*>") {
		return fmt.Errorf("room: invalid character in key %q", key)
	}
	return nil
}

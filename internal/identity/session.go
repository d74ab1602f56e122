// Package identity issues the ephemeral participant identity used for one
// interview session.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Candidate identities carry this prefix; the relay uses it to tell the
// interviewee apart from the interviewer.
const Prefix = "interviewee-"

// Session is the identity a candidate presents while joining a room.
type Session struct {
	UserID    string    `json:"user_id"`
	RoomCode  string    `json:"room_code"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSession creates a fresh identity for roomCode.
func NewSession(roomCode string) *Session {
	return &Session{
		UserID:    Prefix + uuid.NewString(),
		RoomCode:  roomCode,
		CreatedAt: time.Now().UTC(),
	}
}

// IsCandidate reports whether userID was issued by NewSession.
func IsCandidate(userID string) bool {
	rest, ok := strings.CutPrefix(userID, Prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// Package audit keeps a tamper-evident journal of interview sessions: every
// lifecycle transition and every violation, one hash-chained JSON line each.
package audit

// Entry types.
const (
	TypeTransition = "transition"
	TypeViolation  = "violation"
	TypeScan       = "scan"
)

// Entry is one line in the session journal.
// All fields are plain values (no map[string]any) so json.Marshal field
// order stays deterministic for hashing.
type Entry struct {
	Timestamp string `json:"ts"`
	Type      string `json:"type"`
	RoomCode  string `json:"room_code,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
	PrevHash  string `json:"prev_hash"`
}

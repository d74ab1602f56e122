package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter selects the entries of one room.
type ReplayFilter struct {
	RoomCode string    // empty = every room
	From     time.Time // zero value = no lower bound
	To       time.Time // zero value = no upper bound
}

// ReplaySummary counts what happened in the replayed entries.
type ReplaySummary struct {
	Total          int            `json:"total"`
	Transitions    int            `json:"transitions"`
	Violations     int            `json:"violations"`
	ByKind         map[string]int `json:"by_kind,omitempty"`
	FinalState     string         `json:"final_state,omitempty"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and their summary.
type ReplayResult struct {
	RoomCode string        `json:"room_code,omitempty"`
	Entries  []Entry       `json:"entries"`
	Summary  ReplaySummary `json:"summary"`
}

// Replay reads the journal and returns the entries matching filter.
// Malformed lines are skipped; Verify is the integrity check.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{RoomCode: filter.RoomCode}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if filter.RoomCode != "" && e.RoomCode != filter.RoomCode {
			continue
		}
		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, e.Timestamp)
			if err != nil {
				continue
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}
		result.Entries = append(result.Entries, e)
		result.Summary.add(e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return result, nil
}

func (s *ReplaySummary) add(e Entry) {
	s.Total++
	switch e.Type {
	case TypeTransition:
		s.Transitions++
		s.FinalState = e.To
	case TypeViolation:
		s.Violations++
		if s.ByKind == nil {
			s.ByKind = make(map[string]int)
		}
		s.ByKind[e.Kind]++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}

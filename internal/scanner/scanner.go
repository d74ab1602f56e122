// Package scanner runs the pre-launch environment check that gates entry to
// the interview.
package scanner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/denylist"
	"github.com/ppiankov/proctorguard/internal/procscan"
)

// User-facing reasons.
const (
	ReasonScanFailed       = "Failed to scan processes. Please run as administrator."
	ReasonCaptureProtected = "A window with screen capture protection is active."
)

// Verdict is the outcome of a pre-launch scan.
type Verdict struct {
	Passed bool   `json:"success"`
	Reason string `json:"reason,omitempty"`
}

// AffinityProbe reports whether a capture-excluded window exists. It must
// resolve to false on its own failures.
type AffinityProbe interface {
	Detect(ctx context.Context) bool
}

// Scanner composes the process snapshot, the deny-list and the affinity probe.
type Scanner struct {
	procs    procscan.Provider
	denylist *denylist.Denylist
	affinity AffinityProbe
	log      *zap.Logger
}

// New creates a Scanner. A nil deny-list uses the defaults; a nil probe skips
// the affinity check.
func New(procs procscan.Provider, dl *denylist.Denylist, probe AffinityProbe, log *zap.Logger) *Scanner {
	if dl == nil {
		dl = denylist.NewDefault()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{procs: procs, denylist: dl, affinity: probe, log: log}
}

// Scan checks the environment. Process enumeration failure fails closed; an
// affinity probe failure fails open. It is idempotent.
func (s *Scanner) Scan(ctx context.Context) Verdict {
	snapshot, err := s.procs.Snapshot(ctx)
	if err != nil {
		s.log.Error("process scan failed", zap.Error(err))
		return Verdict{Passed: false, Reason: ReasonScanFailed}
	}

	if name, found := s.denylist.FirstMatch(snapshot); found {
		s.log.Warn("flagged application running", zap.String("process", name))
		return Verdict{Passed: false, Reason: fmt.Sprintf("Please close: %s", name)}
	}

	if s.affinity != nil && s.affinity.Detect(ctx) {
		s.log.Warn("capture-protected window detected")
		return Verdict{Passed: false, Reason: ReasonCaptureProtected}
	}

	s.log.Info("pre-launch scan passed")
	return Verdict{Passed: true}
}

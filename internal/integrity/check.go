// Package integrity checks the running client binary against a known
// SHA-256 before a session starts. A modified client could disable the
// security monitor, so a mismatch refuses to run.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExpectedHash is set at release build time:
//
//	-ldflags "-X github.com/ppiankov/proctorguard/internal/integrity.ExpectedHash=<sha256hex>"
//
// Dev builds leave it empty and fall back to a checksum file.
var ExpectedHash string

// ErrTampered is returned when the binary does not match the expected hash.
var ErrTampered = errors.New("integrity: binary checksum mismatch")

// TamperKind is the alert kind reported for a mismatch.
const TamperKind = "binary_tamper"

// TamperEvent describes a failed check.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
}

// DefaultChecksumPath is ~/.proctorguard/binary.sha256.
func DefaultChecksumPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".proctorguard", "binary.sha256")
}

// Checker verifies one binary. The zero value checks the running executable
// against ExpectedHash, then DefaultChecksumPath.
type Checker struct {
	Expected      string
	ChecksumPaths []string
	Executable    func() (string, error)
	OnTamper      func(TamperEvent)
	Log           *zap.Logger
}

// Verify returns nil when the binary matches, or when no expected hash is
// known at all. On mismatch, OnTamper runs before ErrTampered is returned.
func (c *Checker) Verify() error {
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}

	expected := strings.ToLower(c.expected())
	if expected == "" {
		log.Warn("no build-time hash or checksum file, integrity check skipped")
		return nil
	}

	executable := c.Executable
	if executable == nil {
		executable = os.Executable
	}
	exe, err := executable()
	if err != nil {
		return fmt.Errorf("integrity: resolve executable: %w", err)
	}
	actual, err := HashFile(exe)
	if err != nil {
		return fmt.Errorf("integrity: hash binary: %w", err)
	}

	if actual == expected {
		log.Info("binary checksum verified", zap.String("sha256", actual[:12]))
		return nil
	}

	event := TamperEvent{
		Timestamp:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Binary:       exe,
		ExpectedHash: expected,
		ActualHash:   actual,
	}
	event.Hostname, _ = os.Hostname()
	log.Error("binary tamper detected",
		zap.String("binary", exe),
		zap.String("expected", expected),
		zap.String("actual", actual))
	if c.OnTamper != nil {
		c.OnTamper(event)
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrTampered, expected, actual)
}

func (c *Checker) expected() string {
	if c.Expected != "" {
		return c.Expected
	}
	if ExpectedHash != "" {
		return ExpectedHash
	}
	paths := c.ChecksumPaths
	if paths == nil {
		paths = []string{DefaultChecksumPath()}
	}
	return loadChecksumFile(paths)
}

// loadChecksumFile returns the first valid hex SHA-256 found in paths.
func loadChecksumFile(paths []string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if hash := strings.TrimSpace(string(data)); isDigest(hash) {
			return hash
		}
	}
	return ""
}

func isDigest(s string) bool {
	b, err := hex.DecodeString(s)
	return err == nil && len(b) == sha256.Size
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

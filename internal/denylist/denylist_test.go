package denylist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultListMatchesDiscord(t *testing.T) {
	dl := NewDefault()

	name, ok := dl.FirstMatch("discord.exe\nchrome.exe")
	if !ok {
		t.Fatal("expected discord.exe to be flagged")
	}
	if name != "discord.exe" {
		t.Errorf("expected discord.exe, got %q", name)
	}
}

func TestCleanSnapshotPasses(t *testing.T) {
	dl := NewDefault()

	if name, ok := dl.FirstMatch("chrome.exe\nexplorer.exe"); ok {
		t.Errorf("expected no match, got %q", name)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	dl := NewDefault()

	for _, snapshot := range []string{"DISCORD.EXE", "Discord.Exe", "dIsCoRd.ExE"} {
		name, ok := dl.FirstMatch(snapshot)
		if !ok || name != "discord.exe" {
			t.Errorf("%q: expected discord.exe, got %q (%v)", snapshot, name, ok)
		}
	}
}

func TestMatchIsSubstringOfTasklistRow(t *testing.T) {
	dl := NewDefault()
	row := "Zoom.exe                     14128 Console                    1    210,404 K"

	name, ok := dl.FirstMatch(row)
	if !ok || name != "zoom.exe" {
		t.Errorf("expected zoom.exe from tasklist row, got %q (%v)", name, ok)
	}
}

func TestFirstMatchInSnapshotOrderWins(t *testing.T) {
	dl := NewDefault()

	// zoom.exe appears last in the deny-list but first in the snapshot.
	name, ok := dl.FirstMatch("zoom.exe\nslack.exe\ndiscord.exe")
	if !ok {
		t.Fatal("expected a match")
	}
	if name != "zoom.exe" {
		t.Errorf("expected zoom.exe (earliest in snapshot), got %q", name)
	}
}

func TestReportsDenylistSpelling(t *testing.T) {
	dl := New(Patterns{Processes: []string{"TeamViewer.exe"}})

	name, ok := dl.FirstMatch("teamviewer.exe")
	if !ok || name != "TeamViewer.exe" {
		t.Errorf("expected configured spelling, got %q", name)
	}
}

func TestBlankEntriesSkipped(t *testing.T) {
	dl := New(Patterns{Processes: []string{"", "  ", "obs64.exe"}})
	if dl.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", dl.Len())
	}
	if _, ok := dl.FirstMatch("anything at all"); ok {
		t.Error("blank entries must never match")
	}
}

func TestAddPattern(t *testing.T) {
	dl := NewDefault()
	dl.Add("vnc.exe")

	name, ok := dl.FirstMatch("C:\\tools\\vnc.exe")
	if !ok || name != "vnc.exe" {
		t.Errorf("expected runtime addition to match, got %q", name)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dl, err := Load("/nonexistent/denylist.yaml")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dl.Len() != len(DefaultPatterns.Processes) {
		t.Errorf("expected defaults, got %d entries", dl.Len())
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	content := "processes:\n  - obs64.exe\n  - parsec.exe\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	dl, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(dl.Names(), ","); got != "obs64.exe,parsec.exe" {
		t.Errorf("unexpected names %q", got)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	if err := os.WriteFile(path, []byte("processes: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

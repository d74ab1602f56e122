//go:build !windows && !darwin

package clipboard

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// clearers are tried in order until one succeeds: Wayland first, then X11.
var clearers = [][]string{
	{"wl-copy", "--clear"},
	{"xclip", "-selection", "clipboard", "-i"},
	{"xsel", "--clipboard", "--delete"},
}

func clearClipboard() error {
	var errs []error
	for _, argv := range clearers {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = strings.NewReader("")
		if err := cmd.Run(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", argv[0], err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

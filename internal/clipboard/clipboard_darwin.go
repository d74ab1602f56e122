//go:build darwin

package clipboard

import (
	"fmt"
	"os/exec"
	"strings"
)

func clearClipboard() error {
	cmd := exec.Command("pbcopy")
	cmd.Stdin = strings.NewReader("")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pbcopy: %w", err)
	}
	return nil
}

package gitutil

import (
	"fmt"
	"os/exec"
	"strings"
)

func gitCmd(dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RepoRoot returns the toplevel of the repository containing dir. Callers
// treat any error as "not inside a repository".
func RepoRoot(dir string) (string, error) {
	return gitCmd(dir, "rev-parse", "--show-toplevel")
}

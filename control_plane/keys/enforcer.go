package keys

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandEnforcer deletes a key with the management tool's own CLI, e.g.
// "salt-key -y -d <id>". The node id is appended as the last argument.
type CommandEnforcer struct {
	Path string
	Args []string
}

// NewCommandEnforcer returns an enforcer running path with args.
func NewCommandEnforcer(path string, args ...string) *CommandEnforcer {
	return &CommandEnforcer{Path: path, Args: args}
}

func (e *CommandEnforcer) Enforce(ctx context.Context, nodeID string) error {
	if strings.HasPrefix(nodeID, "-") {
		return fmt.Errorf("refusing node id %q that looks like a flag", nodeID)
	}
	args := append(append([]string(nil), e.Args...), nodeID)
	cmd := exec.CommandContext(ctx, e.Path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", e.Path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

var (
	// ErrNotFound means the repository does not exist or is not visible with the given credentials.
	ErrNotFound = errors.New("repository not found")
	// ErrUnauthorized means the credentials were rejected.
	ErrUnauthorized = errors.New("authentication rejected")
)

type CloneOptions struct {
	URL    string
	Branch string // empty clones the remote HEAD
	Depth  int    // 0 means full history
	Dir    string // must exist and be empty
}

// Cloner materializes a remote repository into a local directory.
type Cloner interface {
	Clone(ctx context.Context, opts CloneOptions) error
}

// GitCloner shells out to the git binary.
type GitCloner struct {
	Token string
	// Binary defaults to "git".
	Binary string
}

func (g *GitCloner) Clone(ctx context.Context, opts CloneOptions) error {
	var stderr bytes.Buffer
	cmd := g.command(ctx, opts)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := redact(strings.TrimSpace(stderr.String()), g.Token)
		return classifyCloneError(fmt.Errorf("git clone: %w: %s", err, msg), msg)
	}
	return nil
}

// command builds the clone invocation. The token travels in the environment as an
// http.extraHeader so it never shows up in the process arguments.
func (g *GitCloner) command(ctx context.Context, opts CloneOptions) *exec.Cmd {
	args := []string{"clone", "--single-branch"}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, "--", opts.URL, opts.Dir)

	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	// Never block on an interactive credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if g.Token != "" {
		basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.Token))
		cmd.Env = append(cmd.Env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Basic "+basic,
		)
	}
	return cmd
}

func classifyCloneError(err error, stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "repository not found"), strings.Contains(s, "not found"):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case strings.Contains(s, "authentication failed"),
		strings.Contains(s, "could not read username"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "terminal prompts disabled"):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

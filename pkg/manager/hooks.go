package manager

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// HookRunner executes one pre or post backup hook.
type HookRunner interface {
	Run(ctx context.Context, hook string, env map[string]string) error
}

// HookFunc adapts a function to HookRunner.
type HookFunc func(ctx context.Context, hook string, env map[string]string) error

// Run implements HookRunner.
func (f HookFunc) Run(ctx context.Context, hook string, env map[string]string) error {
	return f(ctx, hook, env)
}

// ShellHookRunner runs hooks with "sh -c".
type ShellHookRunner struct{}

// Run implements HookRunner. The combined output is part of the error.
func (ShellHookRunner) Run(ctx context.Context, hook string, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return fmt.Errorf("hook %q: %w", hook, err)
		}
		return fmt.Errorf("hook %q: %w: %s", hook, err, msg)
	}
	return nil
}

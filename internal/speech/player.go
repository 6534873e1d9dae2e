package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultPlayerCommand reads encoded audio from stdin and plays it without a
// window.
var DefaultPlayerCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-"}

// Player renders encoded audio and blocks until it has finished.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, audio []byte) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, audio []byte) error { return f(ctx, audio) }

// ExecPlayer pipes audio into an external command.
type ExecPlayer struct {
	command []string
}

var _ Player = (*ExecPlayer)(nil)

// NewExecPlayer returns a player for command. An empty command uses
// [DefaultPlayerCommand].
func NewExecPlayer(command []string) (*ExecPlayer, error) {
	if len(command) == 0 {
		command = DefaultPlayerCommand
	}
	if command[0] == "" {
		return nil, errors.New("speech: player command must not be empty")
	}
	return &ExecPlayer{command: append([]string(nil), command...)}, nil
}

// Command returns the command line.
func (p *ExecPlayer) Command() []string { return append([]string(nil), p.command...) }

// Play implements [Player]. Cancelling ctx kills the command.
func (p *ExecPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("speech: %s: %w: %s", p.command[0], err, msg)
		}
		return fmt.Errorf("speech: %s: %w", p.command[0], err)
	}
	return nil
}

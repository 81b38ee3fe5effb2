package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultCommand is the external rasterizer looked up on PATH.
const DefaultCommand = "rsvg-convert"

// ErrCommandNotFound is returned when the rasterizer executable is missing.
var ErrCommandNotFound = errors.New("render: rasterizer command not found")

// Command pipes the document through rsvg-convert.
type Command struct {
	path string
}

// NewCommand returns the command backend. An empty path uses DefaultCommand.
func NewCommand(path string) *Command {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultCommand
	}
	return &Command{path: path}
}

func (*Command) Name() string { return "command" }

func (c *Command) Render(ctx context.Context, req Request) ([]byte, error) {
	bin, err := exec.LookPath(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, c.path)
	}
	cmd := exec.CommandContext(ctx, bin,
		"--format", "png",
		"--width", strconv.Itoa(req.Width),
		"--height", strconv.Itoa(req.Height),
		"--background-color", "white",
	)
	cmd.Stdin = strings.NewReader(req.Document)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w: %s", c.path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Package cli implements command parsing and routing for the sekisho
// binary.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// errUsage marks errors that should exit with the usage code instead of
// the general failure code.
var errUsage = errors.New("usage")

// Command is one parsed invocation.
type Command struct {
	Name  string
	Args  []string
	Flags map[string]string
}

// Handler executes one command and returns the text to print.
type Handler func(ctx context.Context, cmd *Command) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
}

// NewRouter creates an empty command router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register registers a command handler.
func (r *Router) Register(command string, handler Handler) {
	r.handlers[command] = handler
}

// Route dispatches cmd to its registered handler.
func (r *Router) Route(ctx context.Context, cmd *Command) (string, error) {
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: unknown command %q", errUsage, cmd.Name)
	}
	return handler(ctx, cmd)
}

// parseArgs splits argv into the command name, positional arguments, and
// --flag values. A flag directly followed by another flag is treated as
// boolean. The command name may come before or after global flags.
func parseArgs(argv []string) (*Command, error) {
	cmd := &Command{Args: []string{}, Flags: make(map[string]string)}

	rest := argv
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		cmd.Name = rest[0]
		rest = rest[1:]
	}

	for i := 0; i < len(rest); i++ {
		part := rest[i]
		if strings.HasPrefix(part, "--") {
			name := strings.TrimPrefix(part, "--")
			if name == "" {
				return nil, fmt.Errorf("%w: empty flag name", errUsage)
			}
			if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
				cmd.Flags[name] = rest[i+1]
				i++
			} else {
				cmd.Flags[name] = "true"
			}
		} else if strings.HasPrefix(part, "-") {
			return nil, fmt.Errorf("%w: flags use the --name form, got %q", errUsage, part)
		} else {
			cmd.Args = append(cmd.Args, part)
		}
	}

	// Global flags may precede the command name.
	if cmd.Name == "" && len(cmd.Args) > 0 {
		cmd.Name = cmd.Args[0]
		cmd.Args = cmd.Args[1:]
	}
	return cmd, nil
}

// GetFlag returns a flag value with a default.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// HasFlag checks if a flag is present.
func (c *Command) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// GetArg returns an argument by index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

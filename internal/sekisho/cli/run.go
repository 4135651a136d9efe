package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bdobrica/Sekisho/common/environment"
	"github.com/bdobrica/Sekisho/common/trace"
	"github.com/bdobrica/Sekisho/common/version"
	"github.com/bdobrica/Sekisho/internal/sekisho/app"
)

const usageText = `sekisho manages agent tokens and secure handoffs for one workspace.

Usage:
  sekisho [--workspace <dir>] <command> [flags]

Commands:
  create     Mint a token for an agent
               --agent <id> --role <role> [--lifetime <dur>]
               [--permissions <p1,p2>] [--meta k=v[,k=v]]
  list       List active tokens
  validate   Validate a token and print its details   --token <token>
  revoke     Revoke a token                           --token <token>
  update     Change an agent's role                   --agent <id> --role <role> [--token <admin token>]
  audit      Show recent security audit lines         [--lines <n>]
  status     Show workspace auth status
  cleanup    Sweep expired tokens and stale lockouts
  roles      Show the role permission table
  version    Show version information
  help       Show this help

The workspace defaults to $SEKISHO_WORKSPACE, then the current directory.
Exit codes: 0 success, 1 refused or failed, 2 usage error.`

// Run executes one CLI invocation and returns the process exit code:
// 0 on success, 1 when an operation is refused or fails, 2 on usage
// errors.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	cmd, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usageText)
		return 2
	}

	// Commands that need no workspace are answered before opening one.
	switch cmd.Name {
	case "", "help":
		fmt.Fprintln(stdout, usageText)
		return 0
	case "roles":
		fmt.Fprintln(stdout, rolesTable())
		return 0
	case "version":
		fmt.Fprintf(stdout, "sekisho %s\n", version.Info())
		return 0
	}

	// Every audit line written during one invocation shares one trace id.
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	workspace := cmd.GetFlag("workspace", environment.StringOr("SEKISHO_WORKSPACE", "."))
	a, err := app.Open(workspace)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()
	if err := a.Initialize(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	out, err := newRouter(NewHandlers(a)).Route(ctx, cmd)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usageText)
		return 2
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if out != "" {
		fmt.Fprintln(stdout, out)
	}
	return 0
}

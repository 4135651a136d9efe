package cli

import (
	"context"
	"errors"
	"testing"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name      string
		argv      []string
		wantName  string
		wantArgs  []string
		wantFlags map[string]string
	}{
		{
			name:      "command with flags",
			argv:      []string{"create", "--agent", "alice", "--role", "specialist"},
			wantName:  "create",
			wantFlags: map[string]string{"agent": "alice", "role": "specialist"},
		},
		{
			name:      "global flag before command",
			argv:      []string{"--workspace", "/tmp/ws", "status"},
			wantName:  "status",
			wantFlags: map[string]string{"workspace": "/tmp/ws"},
		},
		{
			name:     "bare command",
			argv:     []string{"list"},
			wantName: "list",
		},
		{
			name:     "empty argv",
			argv:     nil,
			wantName: "",
		},
		{
			name:      "trailing flag is boolean",
			argv:      []string{"audit", "--follow"},
			wantName:  "audit",
			wantFlags: map[string]string{"follow": "true"},
		},
		{
			name:     "positional arguments",
			argv:     []string{"create", "first", "--role", "admin", "second"},
			wantName: "create",
			wantArgs: []string{"first", "second"},
			wantFlags: map[string]string{
				"role": "admin",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := parseArgs(tc.argv)
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if cmd.Name != tc.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tc.wantName)
			}
			if len(cmd.Args) != len(tc.wantArgs) {
				t.Errorf("Args = %v, want %v", cmd.Args, tc.wantArgs)
			} else {
				for i := range tc.wantArgs {
					if cmd.Args[i] != tc.wantArgs[i] {
						t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], tc.wantArgs[i])
					}
				}
			}
			for k, v := range tc.wantFlags {
				if got := cmd.Flags[k]; got != v {
					t.Errorf("Flags[%q] = %q, want %q", k, got, v)
				}
			}
			if len(cmd.Flags) != len(tc.wantFlags) {
				t.Errorf("Flags = %v, want %v", cmd.Flags, tc.wantFlags)
			}
		})
	}
}

func TestParseArgs_Rejects(t *testing.T) {
	for _, argv := range [][]string{
		{"create", "-x"},
		{"create", "--"},
	} {
		if _, err := parseArgs(argv); !errors.Is(err, errUsage) {
			t.Errorf("parseArgs(%v): err = %v, want errUsage", argv, err)
		}
	}
}

func TestRoute_UnknownCommand(t *testing.T) {
	r := NewRouter()
	_, err := r.Route(context.Background(), &Command{Name: "bogus"})
	if !errors.Is(err, errUsage) {
		t.Errorf("err = %v, want errUsage", err)
	}
}

func TestCommandAccessors(t *testing.T) {
	cmd := &Command{
		Args:  []string{"first"},
		Flags: map[string]string{"set": "yes"},
	}
	if got := cmd.GetFlag("set", "no"); got != "yes" {
		t.Errorf("GetFlag(set) = %q", got)
	}
	if got := cmd.GetFlag("missing", "fallback"); got != "fallback" {
		t.Errorf("GetFlag(missing) = %q", got)
	}
	if !cmd.HasFlag("set") || cmd.HasFlag("missing") {
		t.Error("HasFlag wrong")
	}
	if arg, ok := cmd.GetArg(0); !ok || arg != "first" {
		t.Errorf("GetArg(0) = %q, %v", arg, ok)
	}
	if _, ok := cmd.GetArg(1); ok {
		t.Error("GetArg out of range should report false")
	}
}

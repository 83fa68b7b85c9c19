package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/dhcgn/eml-to-mbox/stats"
)

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name    string
		summary stats.Summary
		strict  bool
		wantErr bool
	}{
		{"clean", stats.Summary{Converted: 3}, true, false},
		{"soft errors tolerated", stats.Summary{Converted: 3, SoftErrors: 2, Invalid: 1}, false, false},
		{"soft errors strict", stats.Summary{Converted: 3, SoftErrors: 2}, true, true},
		{"invalid strict", stats.Summary{Invalid: 1}, true, true},
		{"operation failed", stats.Summary{Errors: 1, LastError: errors.New("permission denied")}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := exitStatus(tt.summary, tt.strict); (err != nil) != tt.wantErr {
				t.Errorf("exitStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRootCommandWiring(t *testing.T) {
	root, err := newRootCmd()
	if err != nil {
		t.Fatalf("newRootCmd() error = %v", err)
	}
	for _, name := range []string{"inspect", "push"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %s not found: %v", name, err)
		}
	}
	for _, flag := range []string{"out", "errors", "charset", "on-conflict", "dry-run", "strict", "state-dir", "no-progress"} {
		if root.Flags().Lookup(flag) == nil {
			t.Errorf("flag --%s missing", flag)
		}
	}
	if !strings.Contains(root.Long, "working directory") {
		t.Errorf("help does not say how a relative root resolves: %q", root.Long)
	}

	push, _, err := root.Find([]string{"push"})
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"imap-security", "folder-prefix", "errors", "charset", "state-dir"} {
		if push.Flags().Lookup(flag) == nil {
			t.Errorf("push flag --%s missing", flag)
		}
	}
}

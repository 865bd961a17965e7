package main

import "testing"

func TestRootCommandSubcommands(t *testing.T) {
	root := newRootCommand()
	want := map[string]bool{"status": false, "batches": false, "queue": false, "retry": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing %q subcommand", name)
		}
	}
}

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// isolatedArgs points the CLI at a fresh data dir and a config file that does
// not exist, so defaults apply.
func isolatedArgs(t *testing.T, args ...string) []string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOTMEMORY_MEMORY_DATA_DIR", filepath.Join(dir, "data"))
	return append([]string{"--config", filepath.Join(dir, "config.json")}, args...)
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("help: %v\n%s", err, out)
	}
	for _, want := range []string{"chat", "profiles", "memories", "sessions", "sweep", "version"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected help to mention %q:\n%s", want, out)
		}
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatalf("expected an error without a subcommand")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "dotmemory dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestProfilesLifecycle(t *testing.T) {
	base := isolatedArgs(t)
	run := func(args ...string) (string, error) {
		return runRootCommandForTest(append(append([]string{}, base...), args...)...)
	}

	out, err := run("profiles", "list")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Default") {
		t.Fatalf("expected the default profile to be created:\n%s", out)
	}

	if _, err := run("profiles", "delete", "Default"); err == nil {
		t.Fatalf("expected deleting the only profile to fail")
	}

	out, err = run("profiles", "create", "Work", "--tone", "professional", "--default")
	if err != nil {
		t.Fatalf("create: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Created profile Work") {
		t.Fatalf("unexpected create output %q", out)
	}

	out, err = run("profiles", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var defaults []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "*") {
			defaults = append(defaults, line)
		}
	}
	if len(defaults) != 1 || !strings.Contains(defaults[0], "Work") {
		t.Fatalf("expected Work to be the only default:\n%s", out)
	}

	if out, err := run("profiles", "delete", "Default"); err != nil {
		t.Fatalf("delete: %v\n%s", err, out)
	}
}

func TestMemoriesStatsAndSweepOnEmptyProfile(t *testing.T) {
	base := isolatedArgs(t)

	out, err := runRootCommandForTest(append(base, "memories", "stats")...)
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Memories: 0") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}

	out, err = runRootCommandForTest(append(base, "sweep")...)
	if err != nil {
		t.Fatalf("sweep: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Merged 0 duplicate memories") {
		t.Fatalf("unexpected sweep output:\n%s", out)
	}
}

func TestChatRejectsUnknownMode(t *testing.T) {
	base := isolatedArgs(t)
	if _, err := runRootCommandForTest(append(base, "chat", "--mode", "loud", "--message", "hi")...); err == nil {
		t.Fatalf("expected an unknown privacy mode to fail")
	}
}

func TestSessionsListAndDelete(t *testing.T) {
	base := isolatedArgs(t)
	run := func(args ...string) (string, error) {
		return runRootCommandForTest(append(append([]string{}, base...), args...)...)
	}

	out, err := run("sessions", "list")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "ID") || strings.Count(out, "\n") != 1 {
		t.Fatalf("expected only the header on a fresh store:\n%s", out)
	}

	if _, err := run("sessions", "delete", "missing"); err == nil {
		t.Fatalf("expected deleting an unknown session to fail")
	}
}

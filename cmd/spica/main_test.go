package main

import "testing"

func TestRunCLIUnknownCommand(t *testing.T) {
	if code := runCLI([]string{"transmogrify"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunCLINoArgs(t *testing.T) {
	if code := runCLI(nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunCLIVersion(t *testing.T) {
	if code := runCLI([]string{"version"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunCLIHelp(t *testing.T) {
	if code := runCLI([]string{"help"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestCellNounRequiresAction(t *testing.T) {
	if code := runCLI([]string{"cell"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if code := runCLI([]string{"cell", "photosynthesize"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestFleetNounHelp(t *testing.T) {
	if code := runCLI([]string{"fleet", "help"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestKVFlagsParse(t *testing.T) {
	m := kvFlags{}
	if err := m.Set("tokens=100000"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("wall_clock=2h"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if m["tokens"] != "100000" || m["wall_clock"] != "2h" {
		t.Fatalf("parsed values: %#v", m)
	}
	if err := m.Set("no-separator"); err == nil {
		t.Fatal("Set accepted a value without key=value form")
	}
	if err := m.Set("=value"); err == nil {
		t.Fatal("Set accepted an empty key")
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildRootSubcommands(t *testing.T) {
	root := buildRoot()
	want := []string{
		"serve", "status", "snapshot", "errors", "run",
		"pause", "continue", "abort", "slot", "devices",
		"validate", "check",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rig.toml")
	cfg := `
[[instruments]]
name = "itc"
family = "itc503"
transport = "tcp"
address = "127.0.0.1:7777"
`
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var c command
	if err := c.Validate(p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := c.Validate(""); err == nil {
		t.Fatal("expected error without config path")
	}
}

func TestValidateRejectsUnknownFamily(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rig.toml")
	cfg := `
[[instruments]]
name = "x"
family = "frobnicator"
transport = "tcp"
address = "127.0.0.1:7777"
`
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	var c command
	if err := c.Validate(p); err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.seq")
	if err := os.WriteFile(good, []byte("TMP TEMP 77 1\nWAITFOR 60 1 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.seq")
	if err := os.WriteFile(bad, []byte("TMP 77\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var c command
	if err := c.Check(good); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := c.Check(bad); err == nil {
		t.Fatal("expected grammar error")
	}
}

func TestServeRequiresConfig(t *testing.T) {
	if err := runServeCommand(&ServeFlags{}, nil); err == nil {
		t.Fatal("expected error without config")
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pii-engine/internal/config"
	"pii-engine/internal/engine"
)

// captureStdout redirects os.Stdout to a pipe for the duration of fn,
// then returns everything written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	fn()

	if closeErr := w.Close(); closeErr != nil {
		t.Fatalf("pipe write close: %v", closeErr)
	}
	os.Stdout = old

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read pipe: %v", err)
	}
	return string(out)
}

// run executes the root command with args and stdin, returning stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	return out.String(), err
}

func useBoltStore(t *testing.T) {
	t.Helper()
	t.Setenv("PIIENGINE_STORE_BACKEND", "bbolt")
	t.Setenv("PIIENGINE_STORE_PATH", filepath.Join(t.TempDir(), "templates.db"))
	t.Setenv("PIIENGINE_LOG_LEVEL", "error")
}

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	cfg := &config.Config{ListenAddr: "127.0.0.1:9999", APIToken: "x"}
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = "/var/lib/pii.db"
	cfg.Batch.Workers = 6

	out := captureStdout(t, func() { printBanner(cfg) })

	for _, want := range []string{"127.0.0.1:9999", "sqlite", "/var/lib/pii.db", "bearer token", "6"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in banner output, got:\n%s", want, out)
		}
	}
}

func TestPrintBanner_ZeroConfig(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("printBanner panicked: %v", r)
		}
	}()
	out := captureStdout(t, func() { printBanner(&config.Config{}) })
	if !strings.Contains(out, "disabled") {
		t.Errorf("expected auth disabled in banner, got:\n%s", out)
	}
}

func TestProcessStdin(t *testing.T) {
	useBoltStore(t)
	out, err := run(t, "mail john.smith@email.com now", "process")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != "mail <EMAIL_ADDRESS_1> now" {
		t.Errorf("got %q", out)
	}
}

func TestProcessStdin_SaveThenReuse(t *testing.T) {
	useBoltStore(t)
	if _, err := run(t, "a@x.com b@x.com", "process", "--save", "--template-name", "crm"); err != nil {
		t.Fatalf("first process: %v", err)
	}
	out, err := run(t, "b@x.com", "process", "--template-name", "crm", "--template-required")
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if out != "<EMAIL_ADDRESS_2>" {
		t.Errorf("got %q, want the stored substitute", out)
	}

	out, err = run(t, "", "templates", "crm")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	if !strings.Contains(out, `"name": "crm"`) {
		t.Errorf("expected template JSON, got:\n%s", out)
	}

	out, err = run(t, "", "templates")
	if err != nil {
		t.Fatalf("templates list: %v", err)
	}
	if !strings.Contains(out, "crm") || !strings.Contains(out, "ENTRIES") {
		t.Errorf("expected table with crm, got:\n%s", out)
	}
}

func TestProcessFiles_JSON(t *testing.T) {
	useBoltStore(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(a, []byte("call 555-123-4567"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "process", "--json", "--action", "redact", a, filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatalf("process files: %v", err)
	}
	var batch engine.BatchResult
	if err := json.Unmarshal([]byte(out), &batch); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(batch.Files) != 2 {
		t.Fatalf("expected 2 results, got %d", len(batch.Files))
	}
	if batch.Files[0].Text != "call ***-***-4567" {
		t.Errorf("redacted text: got %q", batch.Files[0].Text)
	}
	if batch.Files[1].Error == "" {
		t.Error("expected an error for the missing file")
	}
}

func TestProcess_InvalidAction(t *testing.T) {
	useBoltStore(t)
	if _, err := run(t, "x", "process", "--action", "shred"); err == nil {
		t.Error("expected an error for an unknown action")
	}
}

func TestMain_Smoke(t *testing.T) {
	if fmt.Sprintf("%T", main) != "func()" {
		t.Error("expected main to be func()")
	}
}

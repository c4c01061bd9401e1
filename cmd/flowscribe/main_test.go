package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowscribe/flowscribe/internal/config"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowscribe.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "version", args: []string{"version"}, want: 0},
		{name: "version long flag", args: []string{"--version"}, want: 0},
		{name: "version short flag", args: []string{"-v"}, want: 0},
		{name: "help", args: []string{"help"}, want: 0},
		{name: "unknown command", args: []string{"frobnicate"}, want: 2},
		{name: "config without subcommand", args: []string{"config"}, want: 2},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := run(tc.args); got != tc.want {
				t.Fatalf("run(%v) = %d, want %d", tc.args, got, tc.want)
			}
		})
	}
}

func TestPrintUsageNamesEveryCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printUsage(&out)
	usage := out.String()
	for _, command := range []string{"serve", "config validate", "doctor", "report", "tail", "shell-init", "wrap", "version"} {
		if !strings.Contains(usage, command) {
			t.Fatalf("usage is missing %q:\n%s", command, usage)
		}
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "server:\n  port: 8702\n")
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path}, &out, &errOut); got != 0 {
			t.Fatalf("exit = %d, stderr = %q", got, errOut.String())
		}
		if want := "config is valid: " + path + "\n"; out.String() != want {
			t.Fatalf("stdout = %q, want %q", out.String(), want)
		}
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "server:\n  port: 70000\n")
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path}, &out, &errOut); got != 1 {
			t.Fatalf("exit = %d, want 1", got)
		}
		if !strings.Contains(errOut.String(), "config is invalid") {
			t.Fatalf("stderr = %q, want validation failure", errOut.String())
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "server: [\n")
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path}, &out, &errOut); got != 1 {
			t.Fatalf("exit = %d, want 1", got)
		}
		if !strings.Contains(errOut.String(), "failed to load config") {
			t.Fatalf("stderr = %q, want load failure", errOut.String())
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "frobnicate: true\n")
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path}, &out, &errOut); got != 1 {
			t.Fatalf("exit = %d, want 1", got)
		}
		if !strings.Contains(errOut.String(), "failed to load config") {
			t.Fatalf("stderr = %q, want load failure", errOut.String())
		}
	})

	t.Run("unknown subcommand", func(t *testing.T) {
		t.Parallel()
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"explain"}, &out, &errOut); got != 2 {
			t.Fatalf("exit = %d, want 2", got)
		}
	})

	t.Run("positional arguments", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "")
		var out, errOut bytes.Buffer
		if got := runConfig([]string{"validate", "--config", path, "extra"}, &out, &errOut); got != 2 {
			t.Fatalf("exit = %d, want 2", got)
		}
	})
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "server:\n  port: 70000\n")
	if got := runServe([]string{"--config", path}); got != 1 {
		t.Fatalf("runServe = %d, want 1", got)
	}
}

func TestRunServeRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	if got := runServe([]string{"oops"}); got != 2 {
		t.Fatalf("runServe = %d, want 2", got)
	}
}

func TestStorageLocationHidesDSN(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Storage
	if got := storageLocation(cfg); got != cfg.Path {
		t.Fatalf("sqlite location = %q, want %q", got, cfg.Path)
	}
	cfg.Driver = "postgres"
	cfg.DSN = "postgres://user:secret@db/flows"
	if got := storageLocation(cfg); got != "" {
		t.Fatalf("postgres location = %q, want empty", got)
	}
}

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	if got, err := normalizeTextJSONFormat("report", "", "text"); err != nil || got != "text" {
		t.Fatalf("default format = %q, %v", got, err)
	}
	if got, err := normalizeTextJSONFormat("report", " JSON ", "text"); err != nil || got != "json" {
		t.Fatalf("json format = %q, %v", got, err)
	}
	if _, err := normalizeTextJSONFormat("report", "xml", "text"); err == nil {
		t.Fatal("expected error for xml format")
	}
}

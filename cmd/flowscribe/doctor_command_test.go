package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func sqliteDoctorConfig(t *testing.T, extra string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "flows.db")
	return writeConfigFile(t, fmt.Sprintf("storage:\n  driver: sqlite\n  path: %q\n", dbPath)+extra)
}

func TestRunDoctorHealthy(t *testing.T) {
	t.Parallel()

	configPath := sqliteDoctorConfig(t, "")

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 0 {
		t.Fatalf("doctor exited with %d: %s", code, errOut.String())
	}

	report := out.String()
	for _, want := range []string{
		"Flowscribe Doctor",
		"PASS",
		"- [pass] config:",
		"- [pass] storage:",
		"- [pass] route_wiring:",
		"- [skip] cache:",
		"- [skip] retention:",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report is missing %q:\n%s", want, report)
		}
	}
}

func TestRunDoctorJSON(t *testing.T) {
	t.Parallel()

	configPath := sqliteDoctorConfig(t, "")

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath, "--format", "json"}, &out, &errOut); code != 0 {
		t.Fatalf("doctor exited with %d: %s", code, errOut.String())
	}

	var doc doctorDocument
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal doctor report: %v", err)
	}
	if doc.OverallStatus != doctorStatusPass {
		t.Errorf("overall status = %q, want pass", doc.OverallStatus)
	}
	if doc.ConfigPath != configPath {
		t.Errorf("config path = %q, want %q", doc.ConfigPath, configPath)
	}
	if len(doc.Checks) != 5 {
		t.Fatalf("got %d checks, want 5", len(doc.Checks))
	}
	wantNames := []string{"config", "storage", "route_wiring", "cache", "retention"}
	for i, name := range wantNames {
		if doc.Checks[i].Name != name {
			t.Errorf("checks[%d].Name = %q, want %q", i, doc.Checks[i].Name, name)
		}
	}
}

func TestRunDoctorMalformedConfig(t *testing.T) {
	t.Parallel()

	configPath := writeConfigFile(t, "server: [\n")

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 1 {
		t.Fatalf("doctor exited with %d, want 1", code)
	}

	report := out.String()
	for _, want := range []string{"FAIL", "- [fail] config:", "- [skip] storage:"} {
		if !strings.Contains(report, want) {
			t.Errorf("report is missing %q:\n%s", want, report)
		}
	}
}

func TestRunDoctorOverlappingRoutes(t *testing.T) {
	t.Parallel()

	configPath := sqliteDoctorConfig(t, `proxy:
  routes:
    - name: openai
      prefix: /openai
      upstream: https://api.openai.com
    - name: openai-v1
      prefix: /openai/v1
      upstream: https://api.openai.com
`)

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 1 {
		t.Fatalf("doctor exited with %d, want 1", code)
	}
	report := out.String()
	if !strings.Contains(report, "- [fail] route_wiring:") || !strings.Contains(report, "overlap") {
		t.Fatalf("report does not flag the overlapping routes:\n%s", report)
	}
}

func TestRunDoctorCacheReachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	configPath := sqliteDoctorConfig(t, fmt.Sprintf(`cache:
  enabled: true
  addr: %q
  ttl_seconds: 60
  op_timeout_ms: 100
buffer:
  enabled: true
  stream: traffic:doctor
  max_len: 100
`, mr.Addr()))

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 0 {
		t.Fatalf("doctor exited with %d: %s", code, errOut.String())
	}
	report := out.String()
	if !strings.Contains(report, "- [pass] cache:") {
		t.Fatalf("report does not pass the cache check:\n%s", report)
	}
	if !strings.Contains(report, "buffer stream: traffic:doctor") {
		t.Fatalf("report does not mention the buffer stream:\n%s", report)
	}
}

func TestRunDoctorCacheUnreachable(t *testing.T) {
	t.Parallel()

	configPath := sqliteDoctorConfig(t, `cache:
  enabled: true
  addr: 127.0.0.1:1
  ttl_seconds: 60
  op_timeout_ms: 100
`)

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 1 {
		t.Fatalf("doctor exited with %d, want 1", code)
	}
	if !strings.Contains(out.String(), "- [fail] cache:") {
		t.Fatalf("report does not fail the cache check:\n%s", out.String())
	}
}

func TestRunDoctorRetentionBadSchedule(t *testing.T) {
	t.Parallel()

	configPath := sqliteDoctorConfig(t, `retention:
  enabled: true
  schedule: "0 99 * * *"
  max_age_days: 7
`)

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 1 {
		t.Fatalf("doctor exited with %d, want 1", code)
	}
	if !strings.Contains(out.String(), "- [fail] retention:") {
		t.Fatalf("report does not fail the retention check:\n%s", out.String())
	}
}

func TestRunDoctorWarnsOnOpenBind(t *testing.T) {
	t.Parallel()

	configPath := sqliteDoctorConfig(t, "server:\n  host: 0.0.0.0\n")

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"--config", configPath}, &out, &errOut); code != 0 {
		t.Fatalf("doctor exited with %d, want 0: %s", code, errOut.String())
	}
	report := out.String()
	if !strings.Contains(report, "- [warn] config:") {
		t.Fatalf("report does not warn about the open bind:\n%s", report)
	}
	if !strings.Contains(report, "WARN") {
		t.Fatalf("overall status is not warn:\n%s", report)
	}
}

func TestRunDoctorRejectsBadArguments(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if code := runDoctor([]string{"extra"}, &out, &errOut); code != 2 {
		t.Fatalf("doctor with a positional argument exited with %d, want 2", code)
	}
	out.Reset()
	errOut.Reset()
	if code := runDoctor([]string{"--format", "xml"}, &out, &errOut); code != 2 {
		t.Fatalf("doctor with a bad format exited with %d, want 2", code)
	}
}

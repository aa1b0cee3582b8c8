package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/lock"
	"github.com/mattjoyce/payhook/internal/payment"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeConfigFixture writes a minimal valid config whose state lives in dir.
func writeConfigFixture(t *testing.T, dir string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.yaml")
	configYAML := `
service:
  log_level: info
state:
  path: ` + filepath.Join(dir, "payhook.db") + `
ingest:
  providers:
    stripe:
      secret: whsec_test
      tolerance: 5m
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunConfigNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"check", "--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: payhook config check") {
		t.Fatalf("stdout missing action help usage: %s", stdout)
	}
}

func TestRunConfigNounHelpTerminology(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: payhook config <action>") {
		t.Fatalf("stdout missing action terminology: %s", stdout)
	}
}

func TestRunSystemNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemNoun([]string{"start", "--help"})
	})
	if code != 0 {
		t.Fatalf("runSystemNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: payhook system start") {
		t.Fatalf("stdout missing start action help usage: %s", stdout)
	}
}

func TestRunDeadLetterNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDeadLetterNoun([]string{"replay", "-h"})
	})
	if code != 0 {
		t.Fatalf("runDeadLetterNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: payhook deadletter replay <id>") {
		t.Fatalf("stdout missing replay help usage: %s", stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr missing unknown command: %s", stderr)
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	_, stdout, _ := captureOutputWithExitCode(t, func() int {
		printUsage()
		return 0
	})
	if !strings.Contains(stdout, "payhook <noun> <action> [flags]") {
		t.Fatalf("usage missing action terminology: %s", stdout)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc1234567890", "2026-02-12T11:30:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "payhook 1.2.3") {
		t.Fatalf("stdout missing semantic version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: abc123456789") {
		t.Fatalf("stdout missing short commit: %s", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-02-12T11:30:00Z") {
		t.Fatalf("stdout missing build time: %s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out versionInfo
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}
	if out.Version != "2.0.0-rc.1" {
		t.Fatalf("version = %q, want %q", out.Version, "2.0.0-rc.1")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
	if out.GoVersion != runtime.Version() {
		t.Fatalf("go_version = %q, want %q", out.GoVersion, runtime.Version())
	}
}

func TestResolveVersionFallsBackToVCSStamp(t *testing.T) {
	setVersionMetadataForTest(t, "", "", "")

	info := resolveVersion(map[string]string{
		"vcs.revision": "0123456789abcdef",
		"vcs.time":     "2026-05-01T08:00:00Z",
		"vcs.modified": "true",
	})
	if info.Version != "0.0.0-dev" || info.Commit != "0123456789ab" || !info.Modified {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.BuildTime != "2026-05-01T08:00:00Z" {
		t.Fatalf("build_time = %q", info.BuildTime)
	}

	info = resolveVersion(map[string]string{})
	if info.Commit != "unknown" || info.BuildTime != "unknown" || info.Modified {
		t.Fatalf("empty stamp: %+v", info)
	}
}

func TestResolveVersionPrefersLinkerValues(t *testing.T) {
	setVersionMetadataForTest(t, "3.1.0", "feedface", "not-a-time")

	info := resolveVersion(map[string]string{"vcs.revision": "deadbeef", "vcs.modified": "true"})
	if info.Version != "3.1.0" || info.Commit != "feedface" || info.Modified {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.BuildTime != "unknown" {
		t.Fatalf("unparseable build date should be unknown, got %q", info.BuildTime)
	}
}

func TestRunConfigCheckValidConfig(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--format", "json"})
	})
	if code == 1 {
		t.Fatalf("runConfigCheck() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("failed to parse check JSON: %v\noutput=%s", err, stdout)
	}
	if !result.Valid {
		t.Fatalf("expected valid=true: %s", stdout)
	}
}

func TestRunConfigCheckReportsLoadFailure(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("state:\n  path: ./x.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--format", "json"})
	})
	if code != 1 {
		t.Fatalf("runConfigCheck() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "at least one provider") {
		t.Fatalf("expected provider error in output: %s", stdout)
	}
}

func TestRunConfigGetRedactsSecrets(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"ingest.providers.stripe.secret", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigGet() code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "whsec_test") {
		t.Fatalf("secret leaked: %s", stdout)
	}
}

func TestRunConfigShowProviderEntity(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"provider:stripe", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigShow() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "path: /webhooks/stripe") {
		t.Fatalf("stdout missing provider path: %s", stdout)
	}
	if strings.Contains(stdout, "whsec_test") {
		t.Fatalf("secret leaked: %s", stdout)
	}
}

func TestRunConfigSetRequiresMode(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", configPath, "workers.count=8"})
	})
	if code != 1 {
		t.Fatalf("runConfigSet() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "--dry-run or --apply") {
		t.Fatalf("stderr missing mode hint: %s", stderr)
	}
}

func TestRunConfigSetApplyPersists(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", configPath, "--apply", "provider:stripe.tolerance=2m"})
	})
	if code != 0 {
		t.Fatalf("runConfigSet() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}

	reloaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Ingest.Providers["stripe"].Tolerance; got != 2*time.Minute {
		t.Fatalf("tolerance = %s, want 2m", got)
	}
}

func TestRunConfigSetApplyRejectsInvalidConfigAndRollsBack(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", configPath, "--apply", "service.log_level=loud"})
	})
	if code == 0 {
		t.Fatalf("runConfigSet() should fail for invalid apply, stderr: %s", stderr)
	}
	if !strings.Contains(stderr, "Apply failed:") {
		t.Fatalf("stderr missing apply failure: %s", stderr)
	}

	reloaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config should still be valid after failed apply: %v", err)
	}
	if reloaded.Service.LogLevel != "info" {
		t.Fatalf("log_level = %q after failed apply, want info", reloaded.Service.LogLevel)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy=true; output=%s", stdout)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(report.Checks))
	}
	if report.PID != 0 {
		t.Fatalf("expected no running process, got pid %d", report.PID)
	}
}

func TestRunSystemStatusConfigLoadFailure(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail for invalid config; stdout=%s", stdout)
	}
	if !strings.Contains(stdout, "✗ config") {
		t.Fatalf("expected config failure in output; stdout=%s", stdout)
	}
}

func TestRunSystemStatusDetectsActivePIDLock(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir)

	held, err := lock.AcquirePIDLock(lock.PathFor(filepath.Join(dir, "payhook.db")))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer held.Release()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr: %s", code, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if report.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", report.PID, os.Getpid())
	}
	if !strings.Contains(stdout, "running (pid "+strconv.Itoa(os.Getpid())+")") {
		t.Fatalf("expected running detail; output=%s", stdout)
	}
}

// seedDeadLetter stores a dead letter the way the queue retires an item.
func seedDeadLetter(t *testing.T, configPath, id string) payment.Event {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	p, err := openPipeline(ctx, cfg)
	if err != nil {
		t.Fatalf("openPipeline: %v", err)
	}
	defer p.Close()

	ev := payment.Event{
		ID:               "evt_" + id,
		Provider:         payment.ProviderStripe,
		Kind:             payment.KindPaymentSucceeded,
		OrderReference:   "ord_1",
		AmountMinorUnits: 1999,
		Currency:         "EUR",
		RawPayloadDigest: "blake3:abc",
	}
	if _, err := p.dedup.Begin(ctx, ev.Key(), ev.RawPayloadDigest); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := p.dedup.Finalize(ctx, ev.Key(), dedup.StatusFailedTerminal, "load order: connection refused"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := p.deadLetters.Append(ctx, deadletter.Entry{
		ID:        id,
		DedupeKey: ev.Key().String(),
		Event:     ev,
		Reason:    "load order: connection refused",
		Attempts:  10,
		DeadAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return ev
}

func TestRunDeadLetterListJSON(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())
	seedDeadLetter(t, configPath, "dl_1")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDeadLetterList([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runDeadLetterList() code = %d, stderr: %s", code, stderr)
	}

	var entries []deadletter.Entry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("failed to parse list JSON: %v\noutput=%s", err, stdout)
	}
	if len(entries) != 1 || entries[0].ID != "dl_1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestRunDeadLetterListEmptyTable(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDeadLetterList([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runDeadLetterList() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "No dead letters.") {
		t.Fatalf("unexpected output: %s", stdout)
	}
}

func TestRunDeadLetterReplay(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())
	seedDeadLetter(t, configPath, "dl_1")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDeadLetterReplay([]string{"dl_1", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runDeadLetterReplay() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Replayed dl_1 as queue item") {
		t.Fatalf("unexpected output: %s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runDeadLetterReplay([]string{"dl_1", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "already replayed") {
		t.Fatalf("second replay code = %d, stderr: %s", code, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runDeadLetterList([]string{"--config", configPath})
	})
	if code != 0 || !strings.Contains(stdout, "No dead letters.") {
		t.Fatalf("replayed entry should be hidden by default: %s", stdout)
	}
}

func TestRunDeadLetterReplayNotFound(t *testing.T) {
	configPath := writeConfigFixture(t, t.TempDir())

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDeadLetterReplay([]string{"dl_missing", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
}

func TestBuildVerifiersRegistersConfiguredProviders(t *testing.T) {
	reg, err := buildVerifiers(map[string]config.ProviderConfig{
		"stripe": {Secret: "whsec_test"},
		"paypal": {WebhookID: "WH-1"},
		"other":  {Secret: "s3cret", TimestampHeader: "X-Timestamp"},
	})
	if err != nil {
		t.Fatalf("buildVerifiers: %v", err)
	}
	for _, p := range []payment.Provider{payment.ProviderStripe, payment.ProviderPayPal, payment.ProviderOther} {
		if !reg.Has(p) {
			t.Fatalf("provider %s not registered", p)
		}
	}

	if _, err := buildVerifiers(map[string]config.ProviderConfig{"square": {}}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

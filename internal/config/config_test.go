package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequired sets the minimum environment for a valid Config.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/nudge_test")
	t.Setenv("AI_API_KEY", "test-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.AIProvider != ProviderGemini || c.AIModel != "gemini-2.0-flash" {
		t.Errorf("provider = %q model = %q", c.AIProvider, c.AIModel)
	}
	if c.AIMaxOutputTokens != 80 || c.AITemperature != 0.7 || c.AIMaxAttempts != 3 {
		t.Errorf("ai settings = %d %g %d", c.AIMaxOutputTokens, c.AITemperature, c.AIMaxAttempts)
	}
	if c.AIAttemptTimeout != 15*time.Second || c.AIBackoffBase != time.Second {
		t.Errorf("timeouts = %s %s", c.AIAttemptTimeout, c.AIBackoffBase)
	}
	if c.BreakerThreshold != 3 || c.BreakerOpenFor != 30*time.Second || c.NudgeCooldown != 30*time.Second {
		t.Errorf("resilience = %d %s %s", c.BreakerThreshold, c.BreakerOpenFor, c.NudgeCooldown)
	}
	if !c.WorkerEnabled || c.WorkerCount != 3 || c.NudgeInterval != 24*time.Hour {
		t.Errorf("worker = %v %d %s", c.WorkerEnabled, c.WorkerCount, c.NudgeInterval)
	}
	if c.RedisURL != "" || c.ResendAPIKey != "" {
		t.Error("optional integrations should default to off")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("AI_PROVIDER", "OpenAI")
	t.Setenv("AI_TEMPERATURE", "0.2")
	t.Setenv("NUDGE_COOLDOWN", "45")
	t.Setenv("BREAKER_OPEN_FOR", "1m")
	t.Setenv("WORKER_ENABLED", "false")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.AIProvider != ProviderOpenAI || c.AIModel != "deepseek-chat" {
		t.Errorf("provider = %q model = %q", c.AIProvider, c.AIModel)
	}
	if c.AITemperature != 0.2 {
		t.Errorf("temperature = %g", c.AITemperature)
	}
	if c.NudgeCooldown != 45*time.Second {
		t.Errorf("plain integers are seconds, got %s", c.NudgeCooldown)
	}
	if c.BreakerOpenFor != time.Minute {
		t.Errorf("BreakerOpenFor = %s", c.BreakerOpenFor)
	}
	if c.WorkerEnabled {
		t.Error("WORKER_ENABLED=false ignored")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AI_API_KEY", "")
	t.Setenv("AI_PROVIDER", "anthropic")
	t.Setenv("AI_TEMPERATURE", "3")
	t.Setenv("JOB_TIMEOUT", "10s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"DATABASE_URL", "AI_API_KEY", "AI_PROVIDER", "AI_TEMPERATURE", "JOB_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nNUDGE_TEST_A=\"from-file\"\nNUDGE_TEST_B='kept'\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NUDGE_TEST_A", "from-env")
	t.Setenv("NUDGE_TEST_B", "")

	loadDotEnv(path)

	if got := os.Getenv("NUDGE_TEST_A"); got != "from-env" {
		t.Errorf("NUDGE_TEST_A = %q, real env must win", got)
	}
	if got := os.Getenv("NUDGE_TEST_B"); got != "kept" {
		t.Errorf("NUDGE_TEST_B = %q", got)
	}
}

func TestLoad_RequestTimeoutMustCoverRetries(t *testing.T) {
	setRequired(t)
	t.Setenv("AI_ATTEMPT_TIMEOUT", "25s")

	c := &Config{AIMaxAttempts: 3, AIAttemptTimeout: 25 * time.Second, AIBackoffBase: time.Second}
	if got, want := c.AIWorstCase(), 75*time.Second+3750*time.Millisecond; got != want {
		t.Errorf("AIWorstCase = %s, want %s", got, want)
	}

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REQUEST_TIMEOUT") {
		t.Fatalf("err = %v, want REQUEST_TIMEOUT rejected", err)
	}
	if strings.Contains(err.Error(), "JOB_TIMEOUT") {
		t.Errorf("default JOB_TIMEOUT of 2m covers 1m23.75s: %v", err)
	}

	t.Setenv("REQUEST_TIMEOUT", "90s")
	if _, err := Load(); err != nil {
		t.Errorf("Load with REQUEST_TIMEOUT=90s: %v", err)
	}
}

func TestLoad_JobTimeoutIncludesBackoff(t *testing.T) {
	setRequired(t)
	// 3 × 15s attempts alone fit in 50s; the backoff sleeps and the
	// persistence margin do not.
	t.Setenv("JOB_TIMEOUT", "50s")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "JOB_TIMEOUT") {
		t.Fatalf("err = %v, want JOB_TIMEOUT rejected", err)
	}

	t.Setenv("WORKER_ENABLED", "false")
	if _, err := Load(); err != nil {
		t.Errorf("JOB_TIMEOUT is irrelevant without the worker: %v", err)
	}
}

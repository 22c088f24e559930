package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FINAI_CONFIG", t.TempDir()+"/missing.yaml")
	t.Setenv("FINAI_LLM_PROVIDER", "")
	t.Setenv("FINAI_LLM_API_KEY", "")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "groq" || cfg.LLM.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.LLM.APIKey != "gsk-test" {
		t.Fatalf("expected groq key to be picked up")
	}
	if cfg.LLM.BaseURL != "https://api.groq.com/openai/v1" {
		t.Fatalf("unexpected base url %q", cfg.LLM.BaseURL)
	}
	if cfg.RateLimit.Limit != 4 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Chat.DefaultRowLimit != 10 {
		t.Fatalf("expected default row limit 10, got %d", cfg.Chat.DefaultRowLimit)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka disabled without brokers")
	}
}

func TestLoadMissingKeyIsNotFatal(t *testing.T) {
	t.Setenv("FINAI_CONFIG", t.TempDir()+"/missing.yaml")
	t.Setenv("FINAI_LLM_PROVIDER", "")
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("FINAI_LLM_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "" {
		t.Fatalf("expected empty key")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FINAI_CONFIG", t.TempDir()+"/missing.yaml")
	t.Setenv("FINAI_LLM_PROVIDER", "gemini")
	t.Setenv("FINAI_LLM_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("FINAI_CHAT_RATE_LIMIT", "10")
	t.Setenv("FINAI_CHAT_RATE_KEY", "user")
	t.Setenv("FINAI_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.APIKey != "g-key" || cfg.LLM.ProviderLabel() != "Gemini" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.RateLimit.Limit != 10 || cfg.RateLimit.KeySource != "user" {
		t.Fatalf("unexpected rate limit config: %+v", cfg.RateLimit)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("FINAI_CONFIG", t.TempDir()+"/missing.yaml")
	t.Setenv("FINAI_LLM_PROVIDER", "mystery")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestLoadRejectsRedisSessionsWithoutAddr(t *testing.T) {
	t.Setenv("FINAI_CONFIG", t.TempDir()+"/missing.yaml")
	t.Setenv("FINAI_SESSION_BACKEND", "redis")
	t.Setenv("FINAI_SESSION_REDIS_ADDR", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for redis sessions without addr")
	}
}

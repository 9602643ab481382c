package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets map[string]string

func (m mockSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		for _, a := range s.aliases {
			t.Setenv(a, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "missing.json")), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Chat.HistoryLimit != 20 {
		t.Errorf("Chat.HistoryLimit = %d, want 20", cfg.Chat.HistoryLimit)
	}
	if cfg.Chat.ToolTimeout != 10*time.Second {
		t.Errorf("Chat.ToolTimeout = %v, want 10s", cfg.Chat.ToolTimeout)
	}
	if cfg.Auth.TokenTTL != 7*24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 168h", cfg.Auth.TokenTTL)
	}
	if cfg.Chat.Resolver != ResolverModel {
		t.Errorf("Chat.Resolver = %q, want model", cfg.Chat.Resolver)
	}
}

func TestJSONFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{
  "server.port": 9000,
  "chat.tool_timeout": "3s",
  "llm.provider": "ollama",
  "storage.database_url": "postgres://ignored"
}`)

	cfg, err := loadWith(newFileBackend(path), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Chat.ToolTimeout != 3*time.Second {
		t.Errorf("Chat.ToolTimeout = %v, want 3s", cfg.Chat.ToolTimeout)
	}
	if cfg.LLM.Provider != ProviderOllama {
		t.Errorf("LLM.Provider = %q, want ollama", cfg.LLM.Provider)
	}
	if cfg.Storage.DatabaseURL != "" {
		t.Errorf("secret was read from the config file: %q", cfg.Storage.DatabaseURL)
	}
}

func TestYAMLFileNested(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.yaml", `
server:
  port: 9100
  cors_origins: "https://a.example, https://b.example"
chat:
  resolver: pattern
  history_limit: 5
log.level: debug
`)

	cfg, err := loadWith(newFileBackend(path), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9100 || cfg.Chat.Resolver != ResolverPattern || cfg.Chat.HistoryLimit != 5 || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if got := cfg.CORSOriginList(); len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("CORSOriginList() = %v", got)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{"server.port": 9000, "log.level": "warn"}`)
	t.Setenv("TASKTALK_SERVER_PORT", "9500")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TASKTALK_CHAT_RESOLVER_TIMEOUT", "not-a-duration")

	cfg, err := loadWith(newFileBackend(path), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9500 {
		t.Errorf("Server.Port = %d, want 9500", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want the alias value", cfg.Log.Level)
	}
	if cfg.Chat.ResolverTimeout != 30*time.Second {
		t.Errorf("ResolverTimeout = %v, want default after a bad value", cfg.Chat.ResolverTimeout)
	}
}

func TestSecretsPrecedence(t *testing.T) {
	clearEnv(t)
	secrets := mockSecrets{"auth.jwt_secret": "file-secret", "llm.api_key": "file-key"}
	t.Setenv("TASKTALK_LLM_API_KEY", "env-key")

	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "none.json")), secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "file-secret" {
		t.Errorf("JWTSecret = %q, want the secrets file value", cfg.Auth.JWTSecret)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env to win over the secrets file", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Auth.JWTSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	bad := defaults()
	bad.Storage.Driver = DriverPostgres
	bad.Chat.Resolver = "magic"
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"auth.jwt_secret", "database_url", "chat.resolver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	dir := t.TempDir()
	b := newFileBackend(filepath.Join(dir, "config.yaml"))
	secrets := fileSecrets{path: filepath.Join(dir, "secrets.json")}

	if err := setKeyWith(b, secrets, "server.port", "7000"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, secrets, "auth.jwt_secret", "hunter2"); err != nil {
		t.Fatalf("setKeyWith secret: %v", err)
	}
	if err := setKeyWith(b, secrets, "server.port", "abc"); err == nil {
		t.Error("expected an error for a non-integer port")
	}
	if err := setKeyWith(b, secrets, "nope.key", "x"); err == nil {
		t.Error("expected an error for an unknown key")
	}

	reloaded := newFileBackend(filepath.Join(dir, "config.yaml"))
	if port, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || port != 7000 {
		t.Errorf("reloaded port = %d, %v, %v", port, ok, err)
	}
	if _, ok, _ := reloaded.GetString("auth.jwt_secret"); ok {
		t.Error("secret was written to the config file")
	}
	if v, err := secrets.Get("auth.jwt_secret"); err != nil || v != "hunter2" {
		t.Errorf("secret = %q, %v", v, err)
	}
	info, err := os.Stat(secrets.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.JWTSecret = "hunter2"
	for _, k := range ShowAll(cfg) {
		if k.Value == "hunter2" {
			t.Errorf("%s shows the secret value", k.Key)
		}
		if k.Key == "auth.jwt_secret" && k.Value != "********" {
			t.Errorf("auth.jwt_secret = %q, want masked", k.Value)
		}
	}
	if !IsSecret("llm.api_key") || IsSecret("server.port") || IsSecret("nope") {
		t.Error("IsSecret misclassifies keys")
	}
	if len(ValidKeys()) != len(specs) {
		t.Errorf("ValidKeys() has %d keys, want %d", len(ValidKeys()), len(specs))
	}
}

func TestLLMBaseURL(t *testing.T) {
	cfg := defaults()
	if got := cfg.LLMBaseURL(); got != DefaultOpenAIBaseURL {
		t.Errorf("LLMBaseURL() = %q, want the OpenRouter default", got)
	}
	cfg.LLM.Provider = ProviderOllama
	if got := cfg.LLMBaseURL(); got != DefaultOllamaBaseURL {
		t.Errorf("LLMBaseURL() = %q, want the Ollama default", got)
	}
	if got := cfg.LLMModel(); got != DefaultOllamaModel {
		t.Errorf("LLMModel() = %q, want the Ollama default", got)
	}
	cfg.LLM.BaseURL = "http://gpu-box:11434"
	if got := cfg.LLMBaseURL(); got != "http://gpu-box:11434" {
		t.Errorf("LLMBaseURL() = %q, want the configured URL", got)
	}
}

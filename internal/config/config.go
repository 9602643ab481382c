package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Auth      AuthConfig
	LLM       LLMConfig
	Chat      ChatConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	// CORSOrigins is a comma-separated origin list; empty allows any.
	CORSOrigins string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	DatabaseURL string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type LLMConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

type ChatConfig struct {
	Resolver        string
	HistoryLimit    int
	ToolTimeout     time.Duration
	ResolverTimeout time.Duration
}

type RateLimitConfig struct {
	RedisAddr     string
	RedisPassword string
	ChatPerMinute int
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	ResolverModel   = "model"
	ResolverPattern = "pattern"

	DefaultOpenAIBaseURL = "https://openrouter.ai/api/v1"
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOpenAIModel   = "openai/gpt-4o-mini"
	DefaultOllamaModel   = "llama3.2"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		Auth: AuthConfig{
			TokenTTL: 7 * 24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			BaseURL:  DefaultOpenAIBaseURL,
			Model:    DefaultOpenAIModel,
		},
		Chat: ChatConfig{
			Resolver:        ResolverModel,
			HistoryLimit:    20,
			ToolTimeout:     10 * time.Second,
			ResolverTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ChatPerMinute: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from, lowest to highest precedence: defaults,
// the config file ($XDG_CONFIG_HOME/tasktalk/config.yaml or config.json), a
// .env file in the working directory, TASKTALK_* environment variables, and
// finally the secrets file for secret keys that are still empty.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	return cfg, nil
}

// Validate checks the settings the server needs to start.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("missing required config: auth.jwt_secret. Set it via TASKTALK_AUTH_JWT_SECRET or the secrets file"))
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.driver=postgres requires storage.database_url (TASKTALK_DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver))
	}
	if c.LLM.Provider != ProviderOpenAI && c.LLM.Provider != ProviderOllama {
		errs = append(errs, fmt.Errorf("unknown llm.provider %q (want openai or ollama)", c.LLM.Provider))
	}
	if c.Chat.Resolver != ResolverModel && c.Chat.Resolver != ResolverPattern {
		errs = append(errs, fmt.Errorf("unknown chat.resolver %q (want model or pattern)", c.Chat.Resolver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// CORSOriginList splits Server.CORSOrigins.
func (c Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.Server.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// LLMBaseURL is llm.base_url, or the Ollama default when the provider is
// ollama and the base URL was left at the OpenRouter default.
func (c Config) LLMBaseURL() string {
	if c.LLM.Provider == ProviderOllama && (c.LLM.BaseURL == "" || c.LLM.BaseURL == DefaultOpenAIBaseURL) {
		return DefaultOllamaBaseURL
	}
	return c.LLM.BaseURL
}

// LLMModel is llm.model with the same Ollama fallback as LLMBaseURL.
func (c Config) LLMModel() string {
	if c.LLM.Provider == ProviderOllama && (c.LLM.Model == "" || c.LLM.Model == DefaultOpenAIModel) {
		return DefaultOllamaModel
	}
	return c.LLM.Model
}

// Addr is the server listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "tasktalk-data"
		}
	}
	return filepath.Join(dir, "tasktalk")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tasktalk")
}

// configFilePath prefers an existing config.yaml over config.json.
func configFilePath() string {
	dir := configDir()
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

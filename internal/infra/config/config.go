package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt seeds new conversations when no prompt is configured.
const DefaultSystemPrompt = "You are a helpful AI assistant. Answer questions accurately and concisely."

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Chat    ChatConfig    `yaml:"chat"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP boundary settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig holds LLM provider settings. Exactly one provider is active per process.
type LLMConfig struct {
	Provider       ProviderConfig       `yaml:"provider"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the LLM provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for the LLM provider.
type ProviderConfig struct {
	Name        string         `yaml:"name"`
	APIKey      string         `yaml:"api_key"`
	Model       string         `yaml:"model"` // empty = adapter default
	BaseURL     string         `yaml:"base_url,omitempty"`
	Region      string         `yaml:"region,omitempty"`
	Timeout     time.Duration  `yaml:"timeout"`
	ConnTimeout time.Duration  `yaml:"conn_timeout"`
	RespTimeout time.Duration  `yaml:"resp_timeout"`
	Pool        PoolConfig     `yaml:"pool"`
	Generation  map[string]any `yaml:"generation,omitempty"` // nil = adapter defaults
}

// ChatConfig holds conversation handling settings.
type ChatConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	MaxConversations  int           `yaml:"max_conversations"`
	ConversationTTL   time.Duration `yaml:"conversation_ttl"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	RollbackOnFailure bool          `yaml:"rollback_on_failure"`
	TitleLength       int           `yaml:"title_length"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: ProviderConfig{
				Name:        "gemini",
				Timeout:     120 * time.Second,
				ConnTimeout: 10 * time.Second,
				RespTimeout: 120 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Chat: ChatConfig{
			SystemPrompt:     DefaultSystemPrompt,
			MaxConversations: 1000,
			ConversationTTL:  24 * time.Hour,
			ReapInterval:     10 * time.Minute,
			TitleLength:      30,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if strings.HasPrefix(cfg.LLM.Provider.APIKey, "enc:") {
		passphrase := os.Getenv("CHATCORE_CONFIG_KEY")
		if passphrase == "" {
			return nil, fmt.Errorf("decrypt secrets: api_key is encrypted but CHATCORE_CONFIG_KEY is not set")
		}
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATCORE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATCORE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATCORE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider.Name = v
	}
	if v := os.Getenv("CHATCORE_LLM_MODEL"); v != "" {
		cfg.LLM.Provider.Model = v
	}
	if v := os.Getenv("CHATCORE_LLM_API_KEY"); v != "" {
		cfg.LLM.Provider.APIKey = v
	}
	if v := os.Getenv("CHATCORE_LLM_BASE_URL"); v != "" {
		cfg.LLM.Provider.BaseURL = v
	}
	if v := os.Getenv("CHATCORE_LLM_REGION"); v != "" {
		cfg.LLM.Provider.Region = v
	}
	if v := os.Getenv("CHATCORE_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LLM.Provider.Timeout = d
		}
	}
	if v := os.Getenv("CHATCORE_LLM_CIRCUIT_BREAKER_ENABLED"); v == "true" {
		cfg.LLM.CircuitBreaker.Enabled = true
	}
	if v := os.Getenv("CHATCORE_CHAT_SYSTEM_PROMPT"); v != "" {
		cfg.Chat.SystemPrompt = v
	}
	if v := os.Getenv("CHATCORE_CHAT_MAX_CONVERSATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chat.MaxConversations = n
		}
	}
	if v := os.Getenv("CHATCORE_CHAT_CONVERSATION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Chat.ConversationTTL = d
		}
	}
	if v := os.Getenv("CHATCORE_CHAT_ROLLBACK_ON_FAILURE"); v != "" {
		cfg.Chat.RollbackOnFailure = v == "true"
	}
	if v := os.Getenv("CHATCORE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATCORE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATCORE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATCORE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHATCORE_METRICS_ENABLED"); v == "false" {
		cfg.Metrics.Enabled = false
	}

	// GEMINI_API_KEY is honoured as a fallback for the gemini provider.
	if cfg.LLM.Provider.APIKey == "" && strings.EqualFold(cfg.LLM.Provider.Name, "gemini") {
		cfg.LLM.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// decryptSecrets finds an "enc:..." provider API key and decrypts it.
func decryptSecrets(cfg *Config, passphrase string) error {
	key := cfg.LLM.Provider.APIKey
	if !strings.HasPrefix(key, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
	if err != nil {
		return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Provider.Name, err)
	}
	cfg.LLM.Provider.APIKey = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

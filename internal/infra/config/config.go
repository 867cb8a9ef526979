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

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "./esp32-tools.yaml"

// Config is the top-level application configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Operation OperationConfig `yaml:"operation"`
	Store     StoreConfig     `yaml:"store"`
	Watch     WatchConfig     `yaml:"watch"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// SerialConfig holds discovery, session and exchange settings.
type SerialConfig struct {
	Backend     string `yaml:"backend"` // "native" or "mock"
	MockStrict  bool   `yaml:"mock_strict"`
	Port        string `yaml:"port"`    // empty = auto-discover
	BaudRate    int    `yaml:"baud_rate"`
	MaxAttempts int    `yaml:"max_attempts"`

	IOTimeout   time.Duration `yaml:"io_timeout"`
	BootGrace   time.Duration `yaml:"boot_grace"`
	ProbeSettle time.Duration `yaml:"probe_settle"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	PollInterval       time.Duration `yaml:"poll_interval"`
	OverallTimeout     time.Duration `yaml:"overall_timeout"`
	QuietTimeout       time.Duration `yaml:"quiet_timeout"`
	CompletionKeywords []string      `yaml:"completion_keywords"`

	Allowlist []AllowlistEntry     `yaml:"allowlist"`
	Keywords  []string             `yaml:"keywords"`
	Breaker   CircuitBreakerConfig `yaml:"breaker"`
}

// AllowlistEntry is a known USB-serial bridge. An empty or "*" ProductID
// matches any product of the vendor.
type AllowlistEntry struct {
	VendorID  string `yaml:"vid"`
	ProductID string `yaml:"pid,omitempty"`
	Label     string `yaml:"label"`
}

// IDs parses the hex vendor and product IDs. wildcard is true when the
// entry matches every product of the vendor.
func (e AllowlistEntry) IDs() (vid, pid uint16, wildcard bool, err error) {
	vid, err = parseHexID(e.VendorID)
	if err != nil {
		return 0, 0, false, fmt.Errorf("vid %q: %w", e.VendorID, err)
	}
	if e.ProductID == "" || e.ProductID == "*" {
		return vid, 0, true, nil
	}
	pid, err = parseHexID(e.ProductID)
	if err != nil {
		return 0, 0, false, fmt.Errorf("pid %q: %w", e.ProductID, err)
	}
	return vid, pid, false, nil
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// CircuitBreakerConfig holds the connect circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"` // cool-down before half-open
}

// OperationConfig holds orchestrator settings.
type OperationConfig struct {
	ProgressStep  int               `yaml:"progress_step"`
	ProgressDelay time.Duration     `yaml:"progress_delay"`
	DumpTimeout   time.Duration     `yaml:"dump_timeout"`
	Commands      map[string]string `yaml:"commands"` // operation name -> device command
}

// StoreConfig holds dump store settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// TempMaxAge is the age after which files in temp/ are removed by cleanup.
	TempMaxAge time.Duration `yaml:"temp_max_age"`
}

// WatchConfig holds periodic port watch settings.
type WatchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or duration ("10s")
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Audit     AuditConfig     `yaml:"audit"`
}

// AuditConfig controls the JSONL audit trail of gateway device actions.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`  // 0 = keep forever
	MaxSize string        `yaml:"max_size"` // e.g. "10MB"; empty = no limit
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig holds per-IP HTTP rate limiting for the gateway.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MDNSConfig controls advertisement of the gateway on the local network.
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
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
	Endpoint string `yaml:"endpoint"`
}

// defaultStoreDir returns $HOME/ESP32_Dumps, or ./ESP32_Dumps when $HOME
// cannot be determined.
func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./ESP32_Dumps"
	}
	return filepath.Join(home, "ESP32_Dumps")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Serial: SerialConfig{
			Backend:            "native",
			BaudRate:           115200,
			MaxAttempts:        3,
			IOTimeout:          3 * time.Second,
			BootGrace:          1500 * time.Millisecond,
			ProbeSettle:        500 * time.Millisecond,
			RetryDelay:         time.Second,
			PollInterval:       10 * time.Millisecond,
			OverallTimeout:     10 * time.Second,
			QuietTimeout:       3 * time.Second,
			CompletionKeywords: []string{"done", "complete", "error", "failed", "ok", "ready"},
			Allowlist: []AllowlistEntry{
				{VendorID: "10C4", ProductID: "EA60", Label: "CP2102 USB to UART Bridge"},
				{VendorID: "1A86", ProductID: "7523", Label: "CH340 Serial"},
				{VendorID: "0403", ProductID: "6001", Label: "FTDI USB Serial"},
				{VendorID: "239A", Label: "Adafruit Board"},
				{VendorID: "303A", Label: "Espressif Systems"},
			},
			Keywords: []string{"esp32", "esp", "uart", "serial", "cp210", "ch340", "ftdi"},
			Breaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Operation: OperationConfig{
			ProgressStep:  10,
			ProgressDelay: 100 * time.Millisecond,
			DumpTimeout:   30 * time.Second,
			Commands: map[string]string{
				"detect": "DETECT_CHIP",
				"dump":   "DUMP_FLASH",
				"info":   "help",
			},
		},
		Store: StoreConfig{
			Enabled:    true,
			Dir:        defaultStoreDir(),
			TempMaxAge: 24 * time.Hour,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Schedule: "10s",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8000",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 10,
				Burst:             20,
			},
			MDNS: MDNSConfig{
				Instance: "esp32-tools",
				Service:  "_esp32-tools._tcp",
				Domain:   "local.",
			},
			Audit: AuditConfig{
				Enabled: false,
				Path:    filepath.Join(defaultStoreDir(), "audit.jsonl"),
				MaxAge:  90 * 24 * time.Hour,
				MaxSize: "10MB",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
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

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("ESP32TOOLS_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps ESP32TOOLS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ESP32TOOLS_SERIAL_BACKEND"); v != "" {
		cfg.Serial.Backend = v
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_BAUD_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Serial.MaxAttempts = n
		}
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_OVERALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Serial.OverallTimeout = d
		}
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_QUIET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Serial.QuietTimeout = d
		}
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_COMPLETION_KEYWORDS"); v != "" {
		cfg.Serial.CompletionKeywords = splitAndTrim(v, ",")
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_KEYWORDS"); v != "" {
		cfg.Serial.Keywords = splitAndTrim(v, ",")
	}
	if v := os.Getenv("ESP32TOOLS_SERIAL_BREAKER_ENABLED"); v == "false" {
		cfg.Serial.Breaker.Enabled = false
	}
	if v := os.Getenv("ESP32TOOLS_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("ESP32TOOLS_STORE_ENABLED"); v == "false" {
		cfg.Store.Enabled = false
	}
	if v := os.Getenv("ESP32TOOLS_WATCH_ENABLED"); v == "true" {
		cfg.Watch.Enabled = true
	}
	if v := os.Getenv("ESP32TOOLS_WATCH_SCHEDULE"); v != "" {
		cfg.Watch.Schedule = v
	}
	if v := os.Getenv("ESP32TOOLS_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("ESP32TOOLS_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("ESP32TOOLS_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("ESP32TOOLS_GATEWAY_MDNS_ENABLED"); v == "true" {
		cfg.Gateway.MDNS.Enabled = true
	}
	if v := os.Getenv("ESP32TOOLS_GATEWAY_AUDIT_ENABLED"); v == "true" {
		cfg.Gateway.Audit.Enabled = true
	} else if v == "false" {
		cfg.Gateway.Audit.Enabled = false
	}
	if v := os.Getenv("ESP32TOOLS_GATEWAY_AUDIT_PATH"); v != "" {
		cfg.Gateway.Audit.Path = v
	}
	if v := os.Getenv("ESP32TOOLS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ESP32TOOLS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ESP32TOOLS_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("ESP32TOOLS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ESP32TOOLS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." gateway tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}
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

// DecryptValue decrypts an AES-256-GCM encrypted value.
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

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

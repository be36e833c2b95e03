// Package config provides configuration management with encrypted secret storage.
// It supports loading, saving, partial updates and hot-reloading of the
// service configuration.
package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
)

// encryptionKeyEnvVar is the environment variable name for the AES encryption key.
const encryptionKeyEnvVar = "MINERU_WEB_ENCRYPTION_KEY"

// encryptedPrefix marks a value as AES-encrypted in the config file.
const encryptedPrefix = "enc:"

// keyFileName is the persisted encryption key, stored next to the config file.
const keyFileName = "encryption.key"

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Queue     QueueConfig     `json:"queue"`
	GPU       GPUConfig       `json:"gpu"`
	Retention RetentionConfig `json:"retention"`
	Admin     AdminConfig     `json:"admin"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	StaticDir       string `json:"static_dir"`
	ChangelogPath   string `json:"changelog_path"`
	MaxUploadSizeMB int    `json:"max_upload_size_mb"`
	MinFreeDiskMB   int    `json:"min_free_disk_mb"`
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	DataDir   string `json:"data_dir"`
	OutputDir string `json:"output_dir"`
	DBPath    string `json:"db_path"`
}

// EngineConfig selects and configures the MinerU adapter.
type EngineConfig struct {
	Mode               string `json:"mode"` // "auto", "cli", "api", "local", "stub"
	BinaryPath         string `json:"binary_path"`
	APIURL             string `json:"api_url"`
	APIKey             string `json:"api_key"`
	DefaultBackend     string `json:"default_backend"`
	DefaultLanguage    string `json:"default_language"`
	SglangEngineEnable bool   `json:"sglang_engine_enable"`
	MaxConvertPages    int    `json:"max_convert_pages"`
	TimeoutMinutes     int    `json:"timeout_minutes"`
}

// QueueConfig controls the background worker and progress simulation.
type QueueConfig struct {
	AutoStart           bool `json:"auto_start"`
	PollIntervalSeconds int  `json:"poll_interval_seconds"`
	ProgressTickSeconds int  `json:"progress_tick_seconds"`
	ProgressStep        int  `json:"progress_step"`
	SimulateWhenMissing bool `json:"simulate_when_missing"`
}

// GPUConfig holds the GPU memory admission settings.
type GPUConfig struct {
	NvidiaSMIPath  string `json:"nvidia_smi_path"`
	RequiredFreeMB int    `json:"required_free_mb"`
}

// RetentionConfig controls the periodic output sweep.
type RetentionConfig struct {
	Schedule    string `json:"schedule"`
	MaxAgeHours int    `json:"max_age_hours"`
}

// AdminConfig holds admin authentication configuration.
type AdminConfig struct {
	PasswordHash string `json:"password_hash"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `json:"level"`
	Dir        string `json:"dir"`
	RotationMB int    `json:"rotation_mb"`
}

// ConfigManager manages loading, saving, and updating configuration.
type ConfigManager struct {
	configPath    string
	config        *Config // file-backed values only
	override      func(cfg *Config)
	mu            sync.RWMutex
	encryptionKey []byte // 32-byte AES-256 key
}

// NewConfigManager creates a new ConfigManager for the given config file path.
// The AES encryption key is read from the MINERU_WEB_ENCRYPTION_KEY environment
// variable, then from encryption.key next to the config file; if neither exists a
// random key is generated and persisted there.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	key, err := getOrCreateEncryptionKey(filepath.Join(filepath.Dir(configPath), keyFileName))
	if err != nil {
		return nil, fmt.Errorf("encryption key error: %w", err)
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// NewConfigManagerWithKey creates a ConfigManager with an explicit encryption key (for testing).
func NewConfigManagerWithKey(configPath string, key []byte) (*ConfigManager, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// Path returns the config file path.
func (cm *ConfigManager) Path() string {
	return cm.configPath
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            7860,
			StaticDir:       "./static",
			ChangelogPath:   "./CHANGELOG.md",
			MaxUploadSizeMB: 200,
			MinFreeDiskMB:   512,
		},
		Storage: StorageConfig{
			DataDir:   "./data",
			OutputDir: "./output",
			DBPath:    "./data/mineruweb.db",
		},
		Engine: EngineConfig{
			Mode:            "auto",
			BinaryPath:      "mineru",
			DefaultBackend:  "vlm-sglang-engine",
			DefaultLanguage: "ch",
			MaxConvertPages: 1000,
			TimeoutMinutes:  60,
		},
		Queue: QueueConfig{
			AutoStart:           true,
			PollIntervalSeconds: 1,
			ProgressTickSeconds: 2,
			ProgressStep:        2,
			SimulateWhenMissing: true,
		},
		GPU: GPUConfig{
			NvidiaSMIPath:  "nvidia-smi",
			RequiredFreeMB: 1536,
		},
		Retention: RetentionConfig{
			Schedule:    "@hourly",
			MaxAgeHours: 0,
		},
		Log: LogConfig{
			Level:      "info",
			Dir:        "./logs",
			RotationMB: 100,
		},
	}
}

// Load reads the config file from disk and decrypts secrets.
// If the file does not exist, it initializes with default values and saves.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.config = DefaultConfig()
			return cm.saveLocked()
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Engine.APIKey, err = cm.decryptIfNeeded(cfg.Engine.APIKey); err != nil {
		return fmt.Errorf("decrypt engine API key: %w", err)
	}

	cm.applyDefaults(&cfg)
	cm.config = &cfg
	return nil
}

// Save writes the current config to disk with secrets encrypted.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.saveLocked()
}

// saveLocked writes config to disk. Caller must hold at least a read lock.
func (cm *ConfigManager) saveLocked() error {
	if cm.config == nil {
		return errors.New("no config loaded")
	}

	out := *cm.config
	out.Engine.APIKey = cm.encryptIfNeeded(cm.config.Engine.APIKey)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(cm.configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(cm.configPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration with any override applied.
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config == nil {
		return nil
	}
	c := *cm.config
	if cm.override != nil {
		cm.override(&c)
	}
	return &c
}

// Override registers fn to adjust every copy returned by Get, after any
// earlier override. The values it sets are never saved and survive Update and
// reloads. Used for command line flags.
func (cm *ConfigManager) Override(fn func(cfg *Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.config == nil {
		cm.config = DefaultConfig()
	}
	prev := cm.override
	if prev == nil {
		cm.override = fn
		return
	}
	cm.override = func(cfg *Config) {
		prev(cfg)
		fn(cfg)
	}
}

// Update applies partial updates to the configuration and saves to disk.
// Keys are dotted paths such as "engine.mode", "engine.api_key",
// "queue.progress_step" or "retention.max_age_hours".
func (cm *ConfigManager) Update(updates map[string]interface{}) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config == nil {
		cm.config = DefaultConfig()
	}

	for key, val := range updates {
		if err := cm.applyUpdate(key, val); err != nil {
			return fmt.Errorf("update key %q: %w", key, err)
		}
	}

	return cm.saveLocked()
}

func (cm *ConfigManager) applyUpdate(key string, val interface{}) error {
	c := cm.config
	switch key {
	case "server.host":
		return setString(&c.Server.Host, val)
	case "server.port":
		return setInt(&c.Server.Port, val, 1, 65535)
	case "server.static_dir":
		return setString(&c.Server.StaticDir, val)
	case "server.changelog_path":
		return setString(&c.Server.ChangelogPath, val)
	case "server.max_upload_size_mb":
		return setInt(&c.Server.MaxUploadSizeMB, val, 1, 10240)
	case "server.min_free_disk_mb":
		return setInt(&c.Server.MinFreeDiskMB, val, 0, 1<<20)
	case "storage.output_dir":
		return setString(&c.Storage.OutputDir, val)
	case "engine.mode":
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		switch s {
		case "auto", "cli", "api", "local", "stub":
		default:
			return fmt.Errorf("unknown engine mode %q", s)
		}
		c.Engine.Mode = s
	case "engine.binary_path":
		return setString(&c.Engine.BinaryPath, val)
	case "engine.api_url":
		return setString(&c.Engine.APIURL, val)
	case "engine.api_key":
		return setString(&c.Engine.APIKey, val)
	case "engine.default_backend":
		return setString(&c.Engine.DefaultBackend, val)
	case "engine.default_language":
		return setString(&c.Engine.DefaultLanguage, val)
	case "engine.sglang_engine_enable":
		b, ok := val.(bool)
		if !ok {
			return errors.New("expected bool")
		}
		c.Engine.SglangEngineEnable = b
	case "engine.max_convert_pages":
		return setInt(&c.Engine.MaxConvertPages, val, 1, 100000)
	case "engine.timeout_minutes":
		return setInt(&c.Engine.TimeoutMinutes, val, 1, 24*60)
	case "queue.auto_start":
		b, ok := val.(bool)
		if !ok {
			return errors.New("expected bool")
		}
		c.Queue.AutoStart = b
	case "queue.progress_tick_seconds":
		return setInt(&c.Queue.ProgressTickSeconds, val, 1, 3600)
	case "queue.progress_step":
		return setInt(&c.Queue.ProgressStep, val, 1, 50)
	case "queue.simulate_when_missing":
		b, ok := val.(bool)
		if !ok {
			return errors.New("expected bool")
		}
		c.Queue.SimulateWhenMissing = b
	case "gpu.required_free_mb":
		return setInt(&c.GPU.RequiredFreeMB, val, 0, 1<<20)
	case "gpu.nvidia_smi_path":
		return setString(&c.GPU.NvidiaSMIPath, val)
	case "retention.schedule":
		return setString(&c.Retention.Schedule, val)
	case "retention.max_age_hours":
		return setInt(&c.Retention.MaxAgeHours, val, 0, 24*365)
	case "admin.password_hash":
		return setString(&c.Admin.PasswordHash, val)
	case "log.level":
		return setString(&c.Log.Level, val)
	case "log.rotation_mb":
		return setInt(&c.Log.RotationMB, val, 1, 10240)
	default:
		return fmt.Errorf("unknown config key")
	}
	return nil
}

// SetAdminPassword stores a bcrypt hash of password as the admin token.
// An empty password clears the hash and disables admin checks.
func (cm *ConfigManager) SetAdminPassword(password string) error {
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		hash = string(h)
	}
	return cm.Update(map[string]interface{}{"admin.password_hash": hash})
}

// CheckAdminToken reports whether token matches the configured admin password.
// When no password is configured every token is accepted.
func (cm *ConfigManager) CheckAdminToken(token string) bool {
	cfg := cm.Get()
	if cfg == nil || cfg.Admin.PasswordHash == "" {
		return true
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(cfg.Admin.PasswordHash), []byte(token)) == nil
}

// Watch reloads the configuration whenever the file is written and calls
// onChange with the new copy. It blocks until ctx is cancelled.
func (cm *ConfigManager) Watch(ctx context.Context, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(cm.configPath)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	target := filepath.Clean(cm.configPath)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			// Debounce bursts of writes from a single save.
			pending = time.After(200 * time.Millisecond)
		case <-pending:
			pending = nil
			if err := cm.Load(); err != nil {
				continue
			}
			if onChange != nil {
				onChange(cm.Get())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch config: %w", err)
		}
	}
}

// applyDefaults fills in zero-value fields with defaults.
func (cm *ConfigManager) applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = d.Server.StaticDir
	}
	if cfg.Server.ChangelogPath == "" {
		cfg.Server.ChangelogPath = d.Server.ChangelogPath
	}
	if cfg.Server.MaxUploadSizeMB == 0 {
		cfg.Server.MaxUploadSizeMB = d.Server.MaxUploadSizeMB
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = d.Storage.DataDir
	}
	if cfg.Storage.OutputDir == "" {
		cfg.Storage.OutputDir = d.Storage.OutputDir
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = d.Storage.DBPath
	}
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = d.Engine.Mode
	}
	if cfg.Engine.BinaryPath == "" {
		cfg.Engine.BinaryPath = d.Engine.BinaryPath
	}
	if cfg.Engine.DefaultBackend == "" {
		cfg.Engine.DefaultBackend = d.Engine.DefaultBackend
	}
	if cfg.Engine.DefaultLanguage == "" {
		cfg.Engine.DefaultLanguage = d.Engine.DefaultLanguage
	}
	if cfg.Engine.MaxConvertPages == 0 {
		cfg.Engine.MaxConvertPages = d.Engine.MaxConvertPages
	}
	if cfg.Engine.TimeoutMinutes == 0 {
		cfg.Engine.TimeoutMinutes = d.Engine.TimeoutMinutes
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = d.Queue.PollIntervalSeconds
	}
	if cfg.Queue.ProgressTickSeconds == 0 {
		cfg.Queue.ProgressTickSeconds = d.Queue.ProgressTickSeconds
	}
	if cfg.Queue.ProgressStep == 0 {
		cfg.Queue.ProgressStep = d.Queue.ProgressStep
	}
	if cfg.GPU.NvidiaSMIPath == "" {
		cfg.GPU.NvidiaSMIPath = d.GPU.NvidiaSMIPath
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = d.Retention.Schedule
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = d.Log.Dir
	}
	if cfg.Log.RotationMB == 0 {
		cfg.Log.RotationMB = d.Log.RotationMB
	}
}

// --- AES-GCM encryption helpers ---

// encrypt encrypts plaintext using AES-256-GCM.
func (cm *ConfigManager) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// decrypt decrypts AES-256-GCM encrypted hex string.
func (cm *ConfigManager) decrypt(ciphertextHex string) (string, error) {
	if ciphertextHex == "" {
		return "", nil
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("hex decode: %w", err)
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// encryptIfNeeded encrypts a value and adds the "enc:" prefix.
// Empty strings are returned as-is.
func (cm *ConfigManager) encryptIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	encrypted, err := cm.encrypt(value)
	if err != nil {
		return value
	}
	return encryptedPrefix + encrypted
}

// decryptIfNeeded decrypts a value if it has the "enc:" prefix.
func (cm *ConfigManager) decryptIfNeeded(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if strings.HasPrefix(value, encryptedPrefix) && len(value) > len(encryptedPrefix) {
		return cm.decrypt(value[len(encryptedPrefix):])
	}
	// Not encrypted (e.g., manually edited config)
	return value, nil
}

// --- Encryption key management ---

func getOrCreateEncryptionKey(keyFile string) ([]byte, error) {
	keyHex := os.Getenv(encryptionKeyEnvVar)
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	if data, err := os.ReadFile(keyFile); err == nil {
		keyHex = strings.TrimSpace(string(data))
		if key, err := hex.DecodeString(keyHex); err == nil && len(key) == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0755); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("save encryption key: %w", err)
	}
	return key, nil
}

// --- Type conversion helpers ---

func setString(dst *string, val interface{}) error {
	s, ok := val.(string)
	if !ok {
		return errors.New("expected string")
	}
	*dst = s
	return nil
}

func setInt(dst *int, val interface{}, min, max int) error {
	n, err := toInt(val)
	if err != nil {
		return err
	}
	if n < min || n > max {
		return fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
	}
	*dst = n
	return nil
}

func toInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}

package concentriq

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/slidepath/concentriq-go/s3multipart"
)

// Config represents the client configuration, normally stored at
// ~/.concentriq/config.yaml. CONCENTRIQ_* environment variables override
// individual fields, and ${VAR} references inside the file are expanded.
type Config struct {
	APIURL         string        `yaml:"api_url" validate:"required,url"`
	User           string        `yaml:"user" validate:"required"`
	Password       string        `yaml:"password" validate:"required"`
	SSLCertificate string        `yaml:"ssl_certificate,omitempty" validate:"omitempty,file"`
	Upload         UploadConfig  `yaml:"upload,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`
}

// UploadConfig holds multipart upload tuning
type UploadConfig struct {
	ChunkSize ByteSize `yaml:"chunk_size,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
}

// DefaultConfigPath returns ~/.concentriq/config.yaml, or a path relative to
// the working directory when the home directory cannot be determined.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".concentriq", "config.yaml")
	}
	return filepath.Join(home, ".concentriq", "config.yaml")
}

// LoadConfig reads and parses the configuration file. A missing file is not
// an error so a purely environment-based setup works; validation still fails
// if the required fields end up empty.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	applyEnvOverrides(&cfg)

	// Set defaults
	if cfg.Upload.ChunkSize <= 0 {
		cfg.Upload.ChunkSize = ByteSize(s3multipart.DefaultChunkSize)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the configuration to path, keeping the previous file as
// a .backup next to it.
func SaveConfig(cfg *Config, path string) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if previous, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".backup", previous, 0o600); err != nil {
			return fmt.Errorf("back up existing config: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// the file holds credentials
	return os.WriteFile(path, data, 0o600)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONCENTRIQ_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("CONCENTRIQ_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("CONCENTRIQ_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("CONCENTRIQ_SSL_CERTIFICATE"); v != "" {
		cfg.SSLCertificate = v
	}
	if v := os.Getenv("CONCENTRIQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONCENTRIQ_CHUNK_SIZE"); v != "" {
		if size, err := parseByteSize(v); err == nil {
			cfg.Upload.ChunkSize = ByteSize(size)
		}
	}
}

func validateConfig(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ByteSize represents a size that can be specified as bytes or human-readable format
type ByteSize int64

// ParseByteSize parses a human-readable size like "16MB" into a ByteSize.
func ParseByteSize(s string) (ByteSize, error) {
	size, err := parseByteSize(s)
	return ByteSize(size), err
}

// UnmarshalYAML implements custom YAML unmarshaling for human-readable sizes
func (bs *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	// Try to unmarshal as int64 first (backward compatibility)
	var intVal int64
	if err := value.Decode(&intVal); err == nil {
		*bs = ByteSize(intVal)
		return nil
	}

	// Try to unmarshal as string (human-readable format)
	var strVal string
	if err := value.Decode(&strVal); err != nil {
		return fmt.Errorf("chunk_size must be a number or string like '16MB': %w", err)
	}

	size, err := parseByteSize(strVal)
	if err != nil {
		return err
	}
	*bs = ByteSize(size)
	return nil
}

// MarshalYAML renders the size in human-readable form when it divides evenly.
func (bs ByteSize) MarshalYAML() (any, error) {
	return bs.String(), nil
}

// Int64 returns the byte size as int64
func (bs ByteSize) Int64() int64 {
	return int64(bs)
}

// String returns the byte size in human-readable format
func (bs ByteSize) String() string {
	bytes := int64(bs)
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB && bytes%GB == 0:
		return fmt.Sprintf("%dGB", bytes/GB)
	case bytes >= MB && bytes%MB == 0:
		return fmt.Sprintf("%dMB", bytes/MB)
	case bytes >= KB && bytes%KB == 0:
		return fmt.Sprintf("%dKB", bytes/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}

// parseByteSize converts human-readable sizes to bytes
// Supports: B, KB, MB, GB (case-insensitive)
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Find where the number ends and unit begins
	var numStr string
	var unitStr string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			continue
		}
		numStr = s[:i]
		unitStr = s[i:]
		break
	}

	// If no unit found, assume it's just a number in bytes
	if unitStr == "" {
		numStr = s
		unitStr = "B"
	}

	num, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in size '%s': %w", s, err)
	}

	unitStr = strings.TrimSpace(strings.ToUpper(unitStr))
	var multiplier int64
	switch unitStr {
	case "B", "":
		multiplier = 1
	case "KB", "K":
		multiplier = 1024
	case "MB", "M":
		multiplier = 1024 * 1024
	case "GB", "G":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size unit '%s' (supported: B, KB, MB, GB)", unitStr)
	}

	return int64(num * float64(multiplier)), nil
}

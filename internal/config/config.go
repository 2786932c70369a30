package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	IdentityServiceURL string `yaml:"identityServiceURL"`
	RealtorServiceURL  string `yaml:"realtorServiceURL"`
	ListingServiceURL  string `yaml:"listingServiceURL"`

	// Optional local token pre-check; empty disables it.
	IdentityJWKSURL string `yaml:"identityJwksURL"`
	JWTIssuer       string `yaml:"jwtIssuer"`
	JWTAudience     string `yaml:"jwtAudience"`
	JWTLeeway       string `yaml:"jwtLeeway"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// Optional; empty disables rate limiting and duplicate protection.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	// Forwarded headers are trusted only from these networks.
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	// Optional; empty disables the audit trail.
	AuditDatabaseDSN string `yaml:"auditDatabaseDSN"`

	// Optional; empty disables event publishing.
	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	MaxImageBytes            int64    `yaml:"maxImageBytes"`
	MaxImageCount            int      `yaml:"maxImageCount"`
	AllowedImageTypes        []string `yaml:"allowedImageTypes"`
	CreateRateLimitPerMinute int      `yaml:"createRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("REALTYHUB_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("REALTYHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("REALTYHUB_IDENTITY_SERVICE_URL"); v != "" {
		cfg.IdentityServiceURL = v
	}
	if v := os.Getenv("REALTYHUB_REALTOR_SERVICE_URL"); v != "" {
		cfg.RealtorServiceURL = v
	}
	if v := os.Getenv("REALTYHUB_LISTING_SERVICE_URL"); v != "" {
		cfg.ListingServiceURL = v
	}
	if v := os.Getenv("REALTYHUB_IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REALTYHUB_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("REALTYHUB_AUDIT_DATABASE_DSN"); v != "" {
		cfg.AuditDatabaseDSN = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = v
	}
	if v := os.Getenv("REALTYHUB_MAX_IMAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxImageBytes = n
		}
	}
	if v := os.Getenv("REALTYHUB_MAX_IMAGE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxImageCount = n
		}
	}
	if v := os.Getenv("REALTYHUB_ALLOWED_IMAGE_TYPES"); v != "" {
		cfg.AllowedImageTypes = splitCSV(v)
	}
	if v := os.Getenv("REALTYHUB_CREATE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CreateRateLimitPerMinute = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	if cfg.MaxImageCount <= 0 {
		cfg.MaxImageCount = 10
	}
	if len(cfg.AllowedImageTypes) == 0 {
		cfg.AllowedImageTypes = []string{"image/jpeg", "image/png", "image/webp"}
	}
	if cfg.MinioBucket == "" {
		cfg.MinioBucket = "property-images"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.IdentityServiceURL == "" {
		return errors.New("config: identityServiceURL is required (set in config.yaml)")
	}
	if cfg.RealtorServiceURL == "" {
		return errors.New("config: realtorServiceURL is required (set in config.yaml)")
	}
	if cfg.ListingServiceURL == "" {
		return errors.New("config: listingServiceURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if cfg.CreateRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

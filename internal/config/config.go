package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		AllowedOrigins  []string      `yaml:"allowedOrigins"`
		PublicURL       string        `yaml:"publicUrl"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"logging"`

	Database struct {
		Driver   string `yaml:"driver"` // sqlite | mysql | postgres
		DSN      string `yaml:"dsn"`
		Path     string `yaml:"path"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"database"`

	Dispatch struct {
		BaseURL     string        `yaml:"baseUrl"`
		Token       string        `yaml:"token"`
		Owner       string        `yaml:"owner"`
		Repo        string        `yaml:"repo"`
		Workflow    string        `yaml:"workflow"`
		Ref         string        `yaml:"ref"`
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"maxAttempts"`
		BaseDelay   time.Duration `yaml:"baseDelay"`
		MaxDelay    time.Duration `yaml:"maxDelay"`
	} `yaml:"dispatch"`

	Callback struct {
		Token string `yaml:"token"`
	} `yaml:"callback"`

	RateLimit struct {
		PerSecond float64 `yaml:"perSecond"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	OpenAI struct {
		APIKey  string `yaml:"apiKey"`
		BaseURL string `yaml:"baseUrl"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`

	Telemetry struct {
		OTLPEndpoint string `yaml:"otlpEndpoint"`
		Insecure     bool   `yaml:"insecure"`
		ServiceName  string `yaml:"serviceName"`
	} `yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.Server.Port = 3001
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Server.AllowedOrigins = []string{"*"}
	c.Server.PublicURL = "http://localhost:3001"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Database.Driver = "sqlite"
	c.Database.Path = "scanrelay.db"
	c.Dispatch.BaseURL = "https://api.github.com"
	c.Dispatch.Workflow = "security-scan.yml"
	c.Dispatch.Ref = "main"
	c.Dispatch.Timeout = 15 * time.Second
	c.Dispatch.MaxAttempts = 3
	c.Dispatch.BaseDelay = time.Second
	c.Dispatch.MaxDelay = 30 * time.Second
	c.RateLimit.PerSecond = 1
	c.RateLimit.Burst = 5
	c.Minio.Region = "us-east-1"
	c.Minio.BucketName = "scanrelay-callbacks"
	c.OpenAI.Model = "gpt-4o-mini"
	c.Telemetry.ServiceName = "scanrelay"
	return &c
}

// Load baca file config.yaml on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DATABASE_DRIVER":             &c.Database.Driver,
		"DATABASE_DSN":                &c.Database.DSN,
		"DISPATCH_TOKEN":              &c.Dispatch.Token,
		"CALLBACK_TOKEN":              &c.Callback.Token,
		"PUBLIC_URL":                  &c.Server.PublicURL,
		"OPENAI_API_KEY":              &c.OpenAI.APIKey,
		"MINIO_ACCESS_KEY":            &c.Minio.AccessKey,
		"MINIO_SECRET_KEY":            &c.Minio.SecretKey,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.Telemetry.OTLPEndpoint,
		"LOG_LEVEL":                   &c.Logging.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("database.driver %q: want sqlite, mysql or postgres", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.maxAttempts must be at least 1")
	}
	return nil
}

// DSN builds the driver connection string. An explicit dsn wins.
func (c *Config) DSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	switch c.Database.Driver {
	case "mysql":
		return c.MySQLDSN()
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name)
	default:
		return c.Database.Path
	}
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// CallbackURL is the address workers post results to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.Server.PublicURL, "/") + "/api/scan/callback"
}

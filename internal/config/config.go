package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMySQL  = "mysql"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Publishing PublishingConfig `yaml:"publishing"`
	Workers    WorkersConfig    `yaml:"workers"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version"`
	Env     string `yaml:"env" validate:"omitempty,oneof=development staging production test"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver             string        `yaml:"driver" validate:"oneof=mysql memory"`
	Host               string        `yaml:"host" validate:"required_if=Driver mysql"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name" validate:"required_if=Driver mysql"`
	Charset            string        `yaml:"charset"`
	Loc                string        `yaml:"loc"`
	MaxConnections     int           `yaml:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections"`
	ConnectionLifetime time.Duration `yaml:"connection_lifetime"`
	AutoMigrate        bool          `yaml:"auto_migrate"`
	// JSON fixture loaded into the memory driver at startup.
	SeedFile string `yaml:"seed_file"`
}

type RedisConfig struct {
	Host           string `yaml:"host" validate:"required"`
	Port           int    `yaml:"port"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	PublishQueue   string `yaml:"publish_queue"`
	ExportQueue    string `yaml:"export_queue"`
	ExpirySchedule string `yaml:"expiry_schedule"`
	DLQSuffix      string `yaml:"dlq_suffix"`
}

type StorageConfig struct {
	Driver       string   `yaml:"driver" validate:"oneof=s3 memory"`
	S3           S3Config `yaml:"s3"`
	ExportPrefix string   `yaml:"export_prefix"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PublishingConfig is the SIS grade publishing setup for the deployment.
type PublishingConfig struct {
	Enabled                    bool          `yaml:"enabled"`
	FormatType                 string        `yaml:"format_type"`
	PublishEndpoint            string        `yaml:"publish_endpoint" validate:"omitempty,url"`
	SuccessTimeoutSeconds      int           `yaml:"success_timeout_seconds" validate:"gte=0"`
	WaitForSuccess             bool          `yaml:"wait_for_success"`
	PostTimeout                time.Duration `yaml:"post_timeout" validate:"gte=0"`
	IncludeFinalGradeOverrides bool          `yaml:"include_final_grade_overrides"`
	ExpiryPollInterval         time.Duration `yaml:"expiry_poll_interval" validate:"gte=0"`
	Auth                       AuthConfig    `yaml:"auth"`
}

// AuthConfig enables bearer-token auth against the SIS when AuthEndpoint is set.
type AuthConfig struct {
	AuthEndpoint string `yaml:"auth_endpoint" validate:"omitempty,url"`
	Username     string `yaml:"username" validate:"required_with=AuthEndpoint"`
	Password     string `yaml:"password"`
}

type WorkersConfig struct {
	Publish PublishWorkerConfig `yaml:"publish"`
	Export  ExportWorkerConfig  `yaml:"export"`
}

type PublishWorkerConfig struct {
	Count int `yaml:"count" validate:"gte=0"`
}

type ExportWorkerConfig struct {
	Count int `yaml:"count" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

func Load() (*Config, error) {
	// .env is optional; it can carry CONFIG_PATH and secrets
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Storage.Driver == DriverS3 && config.Storage.S3.Bucket == "" {
		return nil, fmt.Errorf("invalid config: storage.s3.bucket is required for the s3 driver")
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "grade-publisher"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMySQL
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "UTC"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PublishQueue == "" {
		c.Redis.PublishQueue = "grade_publishing"
	}
	if c.Redis.ExportQueue == "" {
		c.Redis.ExportQueue = "gradebook_exports"
	}
	if c.Redis.ExpirySchedule == "" {
		c.Redis.ExpirySchedule = "grade_publishing:expiry"
	}
	if c.Redis.DLQSuffix == "" {
		c.Redis.DLQSuffix = ":dlq"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverS3
	}
	if c.Storage.ExportPrefix == "" {
		c.Storage.ExportPrefix = "gradebook_exports"
	}
	if c.Publishing.FormatType == "" {
		c.Publishing.FormatType = "instructure_csv"
	}
	if c.Publishing.PostTimeout == 0 {
		c.Publishing.PostTimeout = 15 * time.Second
	}
	if c.Publishing.ExpiryPollInterval == 0 {
		c.Publishing.ExpiryPollInterval = 30 * time.Second
	}
	if c.Workers.Publish.Count == 0 {
		c.Workers.Publish.Count = 4
	}
	if c.Workers.Export.Count == 0 {
		c.Workers.Export.Count = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Secrets may come from the environment instead of the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		c.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("SIS_PASSWORD"); v != "" {
		c.Publishing.Auth.Password = v
	}
}

// MySQL DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=%s&multiStatements=true",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.Charset, c.Database.Loc)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

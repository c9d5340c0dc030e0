package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Bounce    BounceConfig    `mapstructure:"bounce"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	MailLog   MailLogConfig   `mapstructure:"maillog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	// Path is the SQLite database file, used when Driver is "sqlite".
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// BounceConfig holds VERP and deactivation policy configuration
type BounceConfig struct {
	AddressTemplate string        `mapstructure:"address_template"`
	SecretKey       string        `mapstructure:"secret_key"`
	LegacySecretKey string        `mapstructure:"legacy_secret_key"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	HardWindow      time.Duration `mapstructure:"hard_window"`
	HardThreshold   int           `mapstructure:"hard_threshold"`
	SoftWindow      time.Duration `mapstructure:"soft_window"`
	SoftThreshold   int           `mapstructure:"soft_threshold"`
	MaxBounces      int           `mapstructure:"max_bounces"`
	Retention       time.Duration `mapstructure:"retention"`
}

// IMAPConfig holds the bounce mailbox connection
type IMAPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Mailbox  string `mapstructure:"mailbox"`
}

// SMTPConfig holds the outbound transport used for mail and operator alerts
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// TLSMode is one of "none", "starttls" or "tls".
	TLSMode          string `mapstructure:"tls_mode"`
	HeloName         string `mapstructure:"helo_name"`
	PropagateRefused bool   `mapstructure:"propagate_refused"`
}

// MailLogConfig holds the transport log correlator configuration
type MailLogConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	OffsetFile      string        `mapstructure:"offset_file"`
	ProcessPrefix   string        `mapstructure:"process_prefix"`
	StuckWarningAge time.Duration `mapstructure:"stuck_warning_age"`
}

// SchedulerConfig holds cron specs of the periodic jobs
type SchedulerConfig struct {
	MailboxSpec string `mapstructure:"mailbox_spec"`
	MailLogSpec string `mapstructure:"maillog_spec"`
	CleanupSpec string `mapstructure:"cleanup_spec"`
	// JobTimeout bounds every run, including its IMAP and SMTP work.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// AlertsConfig holds operator notification configuration
type AlertsConfig struct {
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// RedisConfig holds the event publisher configuration
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// AccountsConfig describes the hosting application's user table
type AccountsConfig struct {
	Table string `mapstructure:"table"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.path", "bounces.db")

	v.SetDefault("log.level", "info")

	v.SetDefault("bounce.address_template", "bounce+{token}@localhost")
	v.SetDefault("bounce.max_age", "336h")
	v.SetDefault("bounce.hard_window", "504h")
	v.SetDefault("bounce.hard_threshold", 3)
	v.SetDefault("bounce.soft_window", "840h")
	v.SetDefault("bounce.soft_threshold", 5)
	v.SetDefault("bounce.max_bounces", 20)
	v.SetDefault("bounce.retention", "2160h")

	v.SetDefault("imap.enabled", true)
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.tls_mode", "none")
	v.SetDefault("smtp.helo_name", "localhost")
	v.SetDefault("smtp.propagate_refused", true)

	v.SetDefault("maillog.enabled", true)
	v.SetDefault("maillog.path", "/var/log/mail.log")
	v.SetDefault("maillog.offset_file", "mail.log.offset")
	v.SetDefault("maillog.process_prefix", "postfix/")
	v.SetDefault("maillog.stuck_warning_age", "72h")

	v.SetDefault("scheduler.mailbox_spec", "@every 5m")
	v.SetDefault("scheduler.maillog_spec", "@every 1m")
	v.SetDefault("scheduler.cleanup_spec", "@daily")
	v.SetDefault("scheduler.job_timeout", "10m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel_prefix", "deliverability")

	v.SetDefault("accounts.table", "users")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")

	// Bounce
	v.BindEnv("bounce.address_template", "BOUNCE_ADDRESS_TEMPLATE")
	v.BindEnv("bounce.secret_key", "BOUNCE_SECRET_KEY")
	v.BindEnv("bounce.legacy_secret_key", "BOUNCE_LEGACY_SECRET_KEY")

	// IMAP
	v.BindEnv("imap.host", "IMAP_HOST")
	v.BindEnv("imap.port", "IMAP_PORT")
	v.BindEnv("imap.user", "IMAP_USER")
	v.BindEnv("imap.password", "IMAP_PASSWORD")
	v.BindEnv("imap.tls", "IMAP_TLS")

	// SMTP
	v.BindEnv("smtp.host", "SMTP_HOST")
	v.BindEnv("smtp.port", "SMTP_PORT")
	v.BindEnv("smtp.user", "SMTP_USER")
	v.BindEnv("smtp.password", "SMTP_PASSWORD")

	// Mail log
	v.BindEnv("maillog.path", "MAILLOG_PATH")
	v.BindEnv("maillog.offset_file", "MAILLOG_OFFSET_FILE")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if !strings.Contains(c.Bounce.AddressTemplate, "{token}") {
		return fmt.Errorf("bounce address template must contain {token}")
	}
	if c.Bounce.SecretKey == "" {
		return fmt.Errorf("bounce secret key is required")
	}
	if c.Bounce.MaxAge <= 0 {
		return fmt.Errorf("bounce max age must be greater than 0")
	}

	if c.IMAP.Enabled && (c.IMAP.Host == "" || c.IMAP.User == "" || c.IMAP.Password == "") {
		return fmt.Errorf("IMAP host and credentials are required when the mailbox scanner is enabled")
	}

	switch c.SMTP.TLSMode {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("unsupported smtp tls mode %q", c.SMTP.TLSMode)
	}

	if c.MailLog.Enabled && (c.MailLog.Path == "" || c.MailLog.OffsetFile == "") {
		return fmt.Errorf("mail log path and offset file are required when the log correlator is enabled")
	}

	return nil
}

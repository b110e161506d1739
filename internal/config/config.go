package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string `env:"TICKETMAIL_ENV" envDefault:"development"`
	InstanceID          string `env:"TICKETMAIL_INSTANCE_ID" envDefault:"ticketmail"`
	EncryptionKeyBase64 string `env:"TICKETMAIL_ENCRYPTION_KEY_BASE64"`
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat           string `env:"LOG_FORMAT" envDefault:"text"`
	Port                string `env:"PORT" envDefault:"8080"`

	// API access: token -> user ID pairs, e.g. "s3cret:user-1,other:user-2"
	APITokens        map[string]string `env:"API_TOKENS" envSeparator:"," envKeyValSeparator:":"`
	TestMode         bool              `env:"TICKETMAIL_TEST_MODE" envDefault:"false"`
	WSMaxConnections int               `env:"WS_MAX_CONNECTIONS" envDefault:"10"`

	DBHost     string `env:"TICKETMAIL_DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"TICKETMAIL_DB_PORT" envDefault:"5432"`
	DBUsername string `env:"TICKETMAIL_DB_USER" envDefault:"ticketmail"`
	DBPassword string `env:"TICKETMAIL_DB_PASSWORD"`
	DBName     string `env:"TICKETMAIL_DB_NAME" envDefault:"ticketmail"`
	DBSSLMode  string `env:"TICKETMAIL_DB_SSLMODE" envDefault:"disable"`

	// IMAP session handling
	IMAPUseTLS             bool          `env:"IMAP_USE_TLS" envDefault:"true"`
	IMAPDialTimeout        time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"5s"`
	IMAPPooling            bool          `env:"IMAP_POOLING" envDefault:"true"`
	IMAPDiagnostics        bool          `env:"IMAP_DIAGNOSTICS" envDefault:"false"`
	IMAPSessionIdleTimeout time.Duration `env:"IMAP_SESSION_IDLE_TIMEOUT" envDefault:"10m"`
	LockTimeout            time.Duration `env:"LOCK_TIMEOUT" envDefault:"20s"`
	CrossProcessLock       bool          `env:"LOCK_CROSS_PROCESS" envDefault:"true"`

	// Scheduling
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
	ControlPeriod     time.Duration `env:"SCHEDULER_CONTROL_PERIOD" envDefault:"120s"`
	MaxPerCycle       int           `env:"SCHEDULER_MAX_PER_CYCLE" envDefault:"50"`
	RollbackWindow    uint32        `env:"SCHEDULER_ROLLBACK_WINDOW" envDefault:"20"`
	ImportHistory     bool          `env:"SCHEDULER_IMPORT_HISTORY" envDefault:"false"`
	AlertThreshold    int           `env:"ALERT_THRESHOLD" envDefault:"3"`
	QueueSize         int           `env:"QUEUE_SIZE" envDefault:"1000"`

	// Ingest retries
	IngestRetryInterval time.Duration `env:"INGEST_RETRY_INTERVAL" envDefault:"5m"`
	IngestMaxAttempts   int           `env:"INGEST_MAX_ATTEMPTS" envDefault:"3"`

	// Outbound notification mail
	SMTPAddr        string   `env:"SMTP_ADDR"`
	SMTPUsername    string   `env:"SMTP_USERNAME"`
	SMTPPassword    string   `env:"SMTP_PASSWORD"`
	SMTPFrom        string   `env:"SMTP_FROM" envDefault:"ticketmail@localhost"`
	AlertRecipients []string `env:"ALERT_RECIPIENTS" envSeparator:","`
}

func NewConfig() (*Config, error) {
	if os.Getenv("TICKETMAIL_ENV") == "" || os.Getenv("TICKETMAIL_ENV") == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("TICKETMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("TICKETMAIL_DB_PASSWORD is required")
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}

	if c.MaxPerCycle <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_PER_CYCLE must be positive, got %d", c.MaxPerCycle)
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// SMTPEnabled reports whether notification mail can be sent.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPAddr != ""
}

package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return fmt.Errorf("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert
	return nil
}

// Origins is a comma separated list of origins allowed to call the gRPC-Web endpoint.
type Origins []string

func (o *Origins) UnmarshalEnvironmentValue(data string) error {
	*o = splitList(data)
	return nil
}

// Tables is a comma separated list of backend tables clients may enqueue operations for.
type Tables []string

func (t *Tables) UnmarshalEnvironmentValue(data string) error {
	*t = splitList(data)
	return nil
}

func splitList(data string) []string {
	var items []string
	for _, item := range strings.Split(data, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

type Config struct {
	GrpcListenAddress string       `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	HTTPListenAddress string       `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8081"`
	SQLiteDirPath     string       `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl     string       `env:"DATABASE_URL"`
	CACert            *Certificate `env:"CA_CERT"`

	// AuthRequired disables request signatures and API keys when false; every request
	// then uses DefaultStoreID. When true, CACert must be set.
	AuthRequired   bool   `env:"AUTH_REQUIRED,default=true"`
	DefaultStoreID string `env:"DEFAULT_STORE_ID,default=default"`

	QueueKey    string        `env:"QUEUE_KEY,default=evita-offline-queue"`
	ItemTimeout time.Duration `env:"ITEM_TIMEOUT,default=30s"`
	MaxAttempts int           `env:"MAX_ATTEMPTS,default=0"`

	BackendURL            string `env:"BACKEND_URL"`
	BackendAPIKey         string `env:"BACKEND_API_KEY"`
	BackendDatabaseURL    string `env:"BACKEND_DATABASE_URL"`
	BackendConflictColumn string `env:"BACKEND_CONFLICT_COLUMN,default=id"`
	AllowedTables         *Tables `env:"ALLOWED_TABLES"`

	HealthURL     string        `env:"HEALTH_URL"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL,default=10s"`
	SyncSchedule  string        `env:"SYNC_SCHEDULE,default=@every 1m"`

	CORSAllowedOrigins *Origins `env:"CORS_ALLOWED_ORIGINS"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
	LogFile   string `env:"LOG_FILE"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.BackendURL != "" && c.BackendDatabaseURL != "" {
		return fmt.Errorf("BACKEND_URL and BACKEND_DATABASE_URL are mutually exclusive")
	}
	if c.AuthRequired && (c.CACert == nil || c.CACert.Raw == nil) {
		return fmt.Errorf("CA_CERT is required when AUTH_REQUIRED is true")
	}
	if !c.AuthRequired && c.DefaultStoreID == "" {
		return fmt.Errorf("DEFAULT_STORE_ID is required when AUTH_REQUIRED is false")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// AllowedOrigins returns the configured CORS origins, or nil to allow any origin.
func (c *Config) AllowedOrigins() []string {
	if c.CORSAllowedOrigins == nil {
		return nil
	}
	return *c.CORSAllowedOrigins
}

// AllowsTable reports whether clients may enqueue operations for table. Without
// ALLOWED_TABLES any unqualified table is accepted; schema-qualified names must always be
// listed explicitly.
func (c *Config) AllowsTable(table string) bool {
	if c.AllowedTables == nil || len(*c.AllowedTables) == 0 {
		return !strings.Contains(table, ".")
	}
	for _, allowed := range *c.AllowedTables {
		if allowed == table {
			return true
		}
	}
	return false
}

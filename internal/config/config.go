package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// IdentitySource names one raw identity table. Records seed the source when
// the memory backend has no table to read.
type IdentitySource struct {
	ID      string           `toml:"id"`
	Table   string           `toml:"table"`
	Records []IdentityRecord `toml:"record"`
}

// IdentityRecord is one raw user row declared in the config file.
type IdentityRecord struct {
	LocalID   string    `toml:"local_id"`
	Email     string    `toml:"email"`
	Role      string    `toml:"role"`
	UpdatedAt time.Time `toml:"updated_at"`
}

type Config struct {
	DBSource   string           `toml:"db_source"`
	Port       string           `toml:"port"`
	Env        string           `toml:"environment"`
	Backend    string           `toml:"backend"`
	SQLitePath string           `toml:"sqlite_path"`
	LogLevel   string           `toml:"log_level"`
	TxTimeout  duration         `toml:"tx_timeout"`
	Identity   []IdentitySource `toml:"identity_source"`
}

// duration lets TOML files spell timeouts as "5s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:       "8080",
		Env:        "development",
		Backend:    BackendPostgres,
		SQLitePath: "ledger.db",
		LogLevel:   "info",
		TxTimeout:  duration{5 * time.Second},
		Identity: []IdentitySource{
			{ID: "legacy", Table: "users"},
			{ID: "primary", Table: "user_accounts"},
		},
	}
}

// Load applies, in order: defaults, the TOML file named by LEDGER_CONFIG,
// then environment variables.
func Load() (*Config, error) {
	return LoadWith(nil)
}

// LoadWith is Load with a final adjustment, such as command-line flags,
// applied before validation.
func LoadWith(adjust func(*Config)) (*Config, error) {
	cfg := Default()

	if path := os.Getenv("LEDGER_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DBSource, "DB_SOURCE")
	setString(&c.Port, "SERVER_PORT")
	setString(&c.Env, "ENVIRONMENT")
	setString(&c.Backend, "LEDGER_BACKEND")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("TX_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TX_TIMEOUT: %w", err)
		}
		c.TxTimeout = duration{d}
	}

	if v := os.Getenv("IDENTITY_SOURCES"); v != "" {
		sources, err := ParseIdentitySources(v)
		if err != nil {
			return err
		}
		c.Identity = sources
	}
	return nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.TxTimeout.Duration <= 0 {
		return fmt.Errorf("tx_timeout must be positive")
	}
	for _, src := range c.Identity {
		for _, r := range src.Records {
			if r.LocalID == "" || strings.TrimSpace(r.Email) == "" {
				return fmt.Errorf("identity_source %s: record needs local_id and email", src.ID)
			}
		}
	}
	return nil
}

// Timeout is the bound on one atomic ledger commit.
func (c *Config) Timeout() time.Duration { return c.TxTimeout.Duration }

// ParseIdentitySources parses "legacy=users,primary=user_accounts".
func ParseIdentitySources(s string) ([]IdentitySource, error) {
	var out []IdentitySource
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, table, ok := strings.Cut(part, "=")
		if !ok || id == "" || table == "" {
			return nil, fmt.Errorf("IDENTITY_SOURCES: malformed entry %q", part)
		}
		out = append(out, IdentitySource{ID: strings.TrimSpace(id), Table: strings.TrimSpace(table)})
	}
	return out, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

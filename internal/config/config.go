package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type DB struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"16"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"8"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
	MigrationsPath  string        `env:"DB_MIGRATIONS_PATH" envDefault:"file://db/migrations"`
}

type HTTP struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type Audit struct {
	ArchiveAfterDays    int           `env:"AUDIT_ARCHIVE_AFTER_DAYS" envDefault:"30"`
	RetentionDays       int           `env:"AUDIT_RETENTION_DAYS" envDefault:"365"`
	ArchiveBatchSize    int           `env:"AUDIT_ARCHIVE_BATCH_SIZE" envDefault:"5000"`
	ArchiveSchedule     string        `env:"AUDIT_ARCHIVE_SCHEDULE" envDefault:"@daily"`
	ArchiveBatchTimeout time.Duration `env:"AUDIT_ARCHIVE_BATCH_TIMEOUT" envDefault:"5m"`
	Workers             int           `env:"AUDIT_WORKERS" envDefault:"4"`
	QueueSize           int           `env:"AUDIT_QUEUE_SIZE" envDefault:"1024"`
	WriteTimeout        time.Duration `env:"AUDIT_WRITE_TIMEOUT" envDefault:"5s"`
	ExportMaxRows       int           `env:"AUDIT_EXPORT_MAX_ROWS" envDefault:"5000"`
	ExportChunkSize     int           `env:"AUDIT_EXPORT_CHUNK_SIZE" envDefault:"500"`
}

type Kafka struct {
	BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	AuditTopic       string `env:"KAFKA_AUDIT_TOPIC" envDefault:"audit-records"`
}

type Config struct {
	DB          DB
	HTTP        HTTP
	Audit       Audit
	Kafka       Kafka
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DB.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	a := c.Audit
	if a.ArchiveAfterDays <= 0 {
		errs = append(errs, errors.New("AUDIT_ARCHIVE_AFTER_DAYS must be positive"))
	}
	if a.RetentionDays <= a.ArchiveAfterDays {
		errs = append(errs, errors.New("AUDIT_RETENTION_DAYS must be greater than AUDIT_ARCHIVE_AFTER_DAYS"))
	}
	if a.ArchiveBatchSize <= 0 {
		errs = append(errs, errors.New("AUDIT_ARCHIVE_BATCH_SIZE must be positive"))
	}
	if a.Workers <= 0 || a.QueueSize <= 0 {
		errs = append(errs, errors.New("AUDIT_WORKERS and AUDIT_QUEUE_SIZE must be positive"))
	}
	if a.ExportMaxRows <= 0 || a.ExportChunkSize <= 0 {
		errs = append(errs, errors.New("AUDIT_EXPORT_MAX_ROWS and AUDIT_EXPORT_CHUNK_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full external configuration surface. Region used to be an
// ambient process-global switch; it is an explicit value here and gets
// threaded through construction.
type Config struct {
	Addr   string `env:"ADDR" envDefault:":8080"`
	DBPath string `env:"DB_PATH" envDefault:"vaxflow.db"`
	Region string `env:"REGION" envDefault:"default"`
	Debug  bool   `env:"DEBUG"`

	BatchSize       int           `env:"BATCH_SIZE" envDefault:"50"`
	RunSchedule     string        `env:"RUN_SCHEDULE" envDefault:"@every 1m"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT" envDefault:"2m"`
	StaleClaimAfter time.Duration `env:"STALE_CLAIM_AFTER" envDefault:"15m"`

	PurgeSchedule  string        `env:"PURGE_SCHEDULE" envDefault:"@every 1h"`
	PurgeRetention time.Duration `env:"PURGE_RETENTION" envDefault:"720h"`

	// Downstream collaborators.
	AuthorityURL      string        `env:"CERT_AUTHORITY_URL" envDefault:"http://localhost:9090"`
	AuthorityTimeout  time.Duration `env:"CERT_AUTHORITY_TIMEOUT" envDefault:"10s"`
	VaccinationURL    string        `env:"VACCINATION_SERVICE_URL" envDefault:"http://localhost:9091"`
	DocumentURL       string        `env:"DOCUMENT_SERVICE_URL" envDefault:"http://localhost:9092"`
	IdentityURL       string        `env:"IDENTITY_PROVIDER_URL" envDefault:"http://localhost:9093"`
	DownstreamTimeout time.Duration `env:"DOWNSTREAM_TIMEOUT" envDefault:"10s"`

	// Pace between identity-provider calls inside one mass-operation batch.
	IdentityPace time.Duration `env:"IDENTITY_PACE" envDefault:"50ms"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

package config

import (
	"fmt"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Addr   string `envconfig:"AGENTDESK_ADDR" default:":8080"`
	DBPath string `envconfig:"AGENTDESK_DB_PATH" default:"agentdesk.db"`

	WorkerURL       string `envconfig:"AGENTDESK_WORKER_URL" default:"http://localhost:9090"`
	CallbackBaseURL string `envconfig:"AGENTDESK_CALLBACK_BASE_URL" default:"http://localhost:8080"`

	BudgetUSD        float64 `envconfig:"AGENTDESK_BUDGET_USD" default:"20"`
	ResetCadence     string  `envconfig:"AGENTDESK_BUDGET_RESET" default:"monthly"`
	AlertThresholds  []int   `envconfig:"AGENTDESK_ALERT_THRESHOLDS" default:"80,90,100"`
	DefaultEstimate  float64 `envconfig:"AGENTDESK_DEFAULT_ESTIMATE_USD" default:"0.50"`
	ResetCheckPeriod time.Duration `envconfig:"AGENTDESK_RESET_CHECK_PERIOD" default:"1m"`

	MaxConcurrentJobs int64 `envconfig:"AGENTDESK_MAX_CONCURRENT_JOBS" default:"10"`
	MaxRetries        int   `envconfig:"AGENTDESK_MAX_RETRIES" default:"3"`

	StallTimeout     time.Duration `envconfig:"AGENTDESK_STALL_TIMEOUT" default:"5m"`
	WatchdogInterval time.Duration `envconfig:"AGENTDESK_WATCHDOG_INTERVAL" default:"30s"`

	CORSOrigins []string `envconfig:"AGENTDESK_CORS_ORIGINS" default:"http://localhost:5173"`
}

func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	switch domain.ResetCadence(cfg.ResetCadence) {
	case domain.ResetDaily, domain.ResetWeekly, domain.ResetMonthly, domain.ResetNever:
	default:
		return nil, fmt.Errorf("invalid budget reset cadence: %q", cfg.ResetCadence)
	}
	return cfg, nil
}

// Cadence returns the parsed reset cadence.
func (c *Config) Cadence() domain.ResetCadence {
	return domain.ResetCadence(c.ResetCadence)
}

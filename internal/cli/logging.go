package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"execution-core/internal/config"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	return []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Postgres: %s", presence(strings.TrimSpace(cfg.Postgres.DataSource) != "")),
		fmt.Sprintf("Postgres pool: min=%d max=%d", cfg.Postgres.MaxIdle, cfg.Postgres.MaxOpen),
		fmt.Sprintf("Nats: %s", presence(strings.TrimSpace(cfg.Nats.URL) != "")),
		fmt.Sprintf("Redis: %s", presence(len(cfg.Cache) > 0)),
		fmt.Sprintf("Auth secret: %s", presence(strings.TrimSpace(cfg.Auth.Secret) != "")),
		fmt.Sprintf("Health port: %d", cfg.Health.Port),
		fmt.Sprintf("TTL (short/medium/long): %ds / %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium, cfg.TTL.Long),
		fmt.Sprintf("Resilience: max_attempts=%d initial_delay=%s max_delay=%s",
			cfg.Resilience.MaxAttempts, cfg.Resilience.InitialDelay, cfg.Resilience.MaxDelay),
	}
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

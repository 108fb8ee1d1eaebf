package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the Traffic Engine's domain configuration, layered on top of
// the shared infrastructure config (pkg/config). Fields map directly to
// the structured configuration object described for the engine: fleet
// sizing, rate ceilings, proxy cooldown shape, channel monitor cadence,
// strategy tuning, reply poller window, invite defaults, quiet hours, and
// shutdown grace period.
type Config struct {
	Fleet struct {
		MaxAccounts     int    `envconfig:"FLEET_MAX_ACCOUNTS" yaml:"max_accounts" default:"200"`
		DefaultTimezone string `envconfig:"FLEET_DEFAULT_TIMEZONE" yaml:"default_timezone" default:"Europe/Moscow"`
	} `yaml:"fleet"`

	Rate struct {
		HardCeilings map[string]int `yaml:"hard_ceilings"`
	} `yaml:"rate"`

	Proxy struct {
		CooldownBaseSeconds int `envconfig:"PROXY_COOLDOWN_BASE_SECONDS" yaml:"cooldown_base_seconds" default:"300"`
		CooldownMaxSeconds  int `envconfig:"PROXY_COOLDOWN_MAX_SECONDS" yaml:"cooldown_max_seconds" default:"7200"`
		FailureThreshold    int `envconfig:"PROXY_FAILURE_THRESHOLD" yaml:"failure_threshold" default:"3"`
	} `yaml:"proxy"`

	ChannelMonitor struct {
		PollIntervalSeconds  int `envconfig:"CHANNEL_MONITOR_POLL_INTERVAL_SECONDS" yaml:"poll_interval_seconds" default:"30"`
		ClaimHorizonSeconds  int `envconfig:"CHANNEL_MONITOR_CLAIM_HORIZON_SECONDS" yaml:"claim_horizon_seconds" default:"1800"`
	} `yaml:"channel_monitor"`

	Strategy struct {
		Epsilon              float64 `envconfig:"STRATEGY_EPSILON" yaml:"epsilon" default:"0.2"`
		ColdStartThreshold   int     `envconfig:"STRATEGY_COLD_START_THRESHOLD" yaml:"cold_start_threshold" default:"5"`
		CountSelfReactions   bool    `envconfig:"STRATEGY_COUNT_SELF_REACTIONS" yaml:"count_self_reactions" default:"false"`
		UCBAlpha             float64 `envconfig:"STRATEGY_UCB_ALPHA" yaml:"ucb_alpha" default:"1.0"`
	} `yaml:"strategy"`

	ReplyPoller struct {
		WindowMinutes int `envconfig:"REPLY_POLLER_WINDOW_MINUTES" yaml:"window_minutes" default:"30"`
	} `yaml:"reply_poller"`

	Invite struct {
		DefaultExpireHours int `envconfig:"INVITE_DEFAULT_EXPIRE_HOURS" yaml:"default_expire_hours" default:"2"`
		DefaultUsageLimit  int `envconfig:"INVITE_DEFAULT_USAGE_LIMIT" yaml:"default_usage_limit" default:"25"`
		SweepIntervalSeconds int `envconfig:"INVITE_SWEEP_INTERVAL_SECONDS" yaml:"sweep_interval_seconds" default:"60"`
	} `yaml:"invite"`

	QuietHours struct {
		Start int `envconfig:"QUIET_HOURS_START" yaml:"start" default:"23"`
		End   int `envconfig:"QUIET_HOURS_END" yaml:"end" default:"8"`
	} `yaml:"quiet_hours"`

	Shutdown struct {
		GraceSeconds int `envconfig:"SHUTDOWN_GRACE_SECONDS" yaml:"grace_seconds" default:"30"`
	} `yaml:"shutdown"`

	Admin struct {
		HTTPPort int `envconfig:"ADMIN_HTTP_PORT" yaml:"http_port" default:"8090"`
		GRPCPort int `envconfig:"ADMIN_GRPC_PORT" yaml:"grpc_port" default:"9090"`
	} `yaml:"admin"`

	TextGen struct {
		MaxRetries           int            `envconfig:"TEXTGEN_MAX_RETRIES" yaml:"max_retries" default:"2"`
		CharLimits           map[string]int `yaml:"char_limits"`
		RequestTimeoutSeconds int           `envconfig:"TEXTGEN_REQUEST_TIMEOUT_SECONDS" yaml:"request_timeout_seconds" default:"10"`
	} `yaml:"textgen"`

	FloodWaitCeilingSeconds int `envconfig:"FLOOD_WAIT_CEILING_SECONDS" default:"600"`
	TransportTimeoutSeconds       int `envconfig:"TRANSPORT_TIMEOUT_SECONDS" default:"30"`
	TransportUploadTimeoutSeconds int `envconfig:"TRANSPORT_UPLOAD_TIMEOUT_SECONDS" default:"120"`
}

// Load reads defaults, then an optional YAML file at path (if non-empty
// and present), then environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if cfg.QuietHoursSpansMidnight() && cfg.QuietHours.Start == cfg.QuietHours.End {
		return nil, fmt.Errorf("quiet_hours.start and quiet_hours.end must not be equal")
	}

	if len(cfg.Rate.HardCeilings) == 0 {
		cfg.Rate.HardCeilings = map[string]int{
			"comment":     20,
			"reaction":    40,
			"subscribe":   10,
			"story_view":  60,
			"story_react": 30,
			"message":     15,
			"post":        3,
		}
	}

	if len(cfg.TextGen.CharLimits) == 0 {
		cfg.TextGen.CharLimits = map[string]int{
			"comment":        320,
			"post":           1024,
			"invite_teaser":  200,
			"direct_message": 500,
		}
	}

	return &cfg, nil
}

// TextGenRequestTimeout is the per-call deadline applied to the external
// text generation service.
func (c *Config) TextGenRequestTimeout() time.Duration {
	return time.Duration(c.TextGen.RequestTimeoutSeconds) * time.Second
}

// QuietHoursSpansMidnight reports whether the configured quiet window
// wraps past local midnight (end < start).
func (c *Config) QuietHoursSpansMidnight() bool {
	return c.QuietHours.End < c.QuietHours.Start
}

// InQuietHours reports whether hour (0-23) falls inside the configured
// quiet window, honoring midnight-wrapping semantics.
func (c *Config) InQuietHours(hour int) bool {
	start, end := c.QuietHours.Start, c.QuietHours.End
	if start == end {
		return false
	}
	if c.QuietHoursSpansMidnight() {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

func (c *Config) TransportTimeout() time.Duration {
	return time.Duration(c.TransportTimeoutSeconds) * time.Second
}

func (c *Config) TransportUploadTimeout() time.Duration {
	return time.Duration(c.TransportUploadTimeoutSeconds) * time.Second
}

func (c *Config) FloodWaitCeiling() time.Duration {
	return time.Duration(c.FloodWaitCeilingSeconds) * time.Second
}

// EffectiveLimit intersects the warmup planner's quota for kind with the
// operator-configured hard ceiling, so a stale or misconfigured warmup
// table can never push an account past rate.hard_ceilings regardless of
// what the planner computed.
func (c *Config) EffectiveLimit(kind string, quota int) int {
	if ceiling, ok := c.Rate.HardCeilings[kind]; ok && ceiling < quota {
		return ceiling
	}
	return quota
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Store       StoreConfig
	Platform    PlatformConfig
	Credentials CredentialsConfig
	Connection  ConnectionConfig
	Polling     PollingConfig
	Scoring     ScoringConfig
	Filters     FilterConfig
	Monitor     MonitorConfig
}

type ServerConfig struct {
	Port int
}

type StoreConfig struct {
	Path string
}

type PlatformConfig struct {
	BaseURL        string
	AppSecret      string
	VerifyToken    string
	RequestTimeout time.Duration
}

type CredentialsConfig struct {
	Secret string
}

type ConnectionConfig struct {
	BaseDelay      time.Duration
	MaxRetries     int
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
}

type PollingConfig struct {
	Interval time.Duration
	PageSize int
	MaxPages int
}

// ScoringConfig holds the authenticity heuristic weights and classification
// thresholds. The defaults roughly separate obviously fake content from
// plausible content; none of the numbers are load-bearing beyond that.
type ScoringConfig struct {
	VerifiedThreshold   float64
	UnverifiedThreshold float64
	SenderWeight        float64
	LengthWeight        float64
	LanguageWeight      float64
	RecencyWeight       float64
	SpamPenalty         float64
}

type FilterConfig struct {
	DropEchoes          bool
	DropSponsored       bool
	DropHidden          bool
	DropFeedbackPrompts bool
}

type MonitorConfig struct {
	RingCapacity    int
	SnapshotLogs    int
	LogDir          string
	LogMaxBytes     int64
	LogMaxFiles     int
	EventBufferSize int
}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("hubwatch_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("hubwatch_port", 8090)
	v.SetDefault("hubwatch_db_path", "data/hubwatch")
	v.SetDefault("hubwatch_platform_url", "https://graph.example.com/v19.0")
	v.SetDefault("hubwatch_app_secret", "")
	v.SetDefault("hubwatch_verify_token", "")
	v.SetDefault("hubwatch_credential_secret", "")
	v.SetDefault("hubwatch_platform_timeout_ms", 10000)
	v.SetDefault("hubwatch_conn_base_delay_ms", 1000)
	v.SetDefault("hubwatch_conn_max_retries", 5)
	v.SetDefault("hubwatch_conn_health_interval_s", 60)
	v.SetDefault("hubwatch_conn_probe_timeout_ms", 5000)
	v.SetDefault("hubwatch_poll_interval_s", 30)
	v.SetDefault("hubwatch_poll_page_size", 25)
	v.SetDefault("hubwatch_poll_max_pages", 5)
	v.SetDefault("hubwatch_score_verified", 0.8)
	v.SetDefault("hubwatch_score_unverified", 0.5)
	v.SetDefault("hubwatch_score_sender_weight", 0.3)
	v.SetDefault("hubwatch_score_length_weight", 0.2)
	v.SetDefault("hubwatch_score_language_weight", 0.25)
	v.SetDefault("hubwatch_score_recency_weight", 0.25)
	v.SetDefault("hubwatch_score_spam_penalty", 0.5)
	v.SetDefault("hubwatch_filter_echoes", true)
	v.SetDefault("hubwatch_filter_sponsored", true)
	v.SetDefault("hubwatch_filter_hidden", true)
	v.SetDefault("hubwatch_filter_feedback", true)
	v.SetDefault("hubwatch_monitor_ring_capacity", 500)
	v.SetDefault("hubwatch_monitor_snapshot_logs", 50)
	v.SetDefault("hubwatch_log_dir", "data/logs")
	v.SetDefault("hubwatch_log_max_bytes", 5*1024*1024)
	v.SetDefault("hubwatch_log_max_files", 14)
	v.SetDefault("hubwatch_monitor_event_buffer", 256)

	env := resolveEnvironment(v)
	port := v.GetInt("hubwatch_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid HUBWATCH_PORT: %d", port)
	}

	ringCapacity := v.GetInt("hubwatch_monitor_ring_capacity")
	if ringCapacity <= 0 {
		ringCapacity = 500
	}
	if ringCapacity > 10000 {
		ringCapacity = 10000
	}

	snapshotLogs := v.GetInt("hubwatch_monitor_snapshot_logs")
	if snapshotLogs <= 0 {
		snapshotLogs = 50
	}
	if snapshotLogs > ringCapacity {
		snapshotLogs = ringCapacity
	}

	maxRetries := v.GetInt("hubwatch_conn_max_retries")
	if maxRetries <= 0 {
		maxRetries = 5
	}

	pageSize := v.GetInt("hubwatch_poll_page_size")
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 25
	}

	maxPages := v.GetInt("hubwatch_poll_max_pages")
	if maxPages <= 0 {
		maxPages = 5
	}

	cfg := Config{
		Environment: env,
		Server:      ServerConfig{Port: port},
		Store: StoreConfig{
			Path: strings.TrimSpace(v.GetString("hubwatch_db_path")),
		},
		Platform: PlatformConfig{
			BaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString("hubwatch_platform_url")), "/"),
			AppSecret:      strings.TrimSpace(v.GetString("hubwatch_app_secret")),
			VerifyToken:    strings.TrimSpace(v.GetString("hubwatch_verify_token")),
			RequestTimeout: time.Duration(v.GetInt("hubwatch_platform_timeout_ms")) * time.Millisecond,
		},
		Credentials: CredentialsConfig{
			Secret: strings.TrimSpace(v.GetString("hubwatch_credential_secret")),
		},
		Connection: ConnectionConfig{
			BaseDelay:      time.Duration(v.GetInt("hubwatch_conn_base_delay_ms")) * time.Millisecond,
			MaxRetries:     maxRetries,
			HealthInterval: time.Duration(v.GetInt("hubwatch_conn_health_interval_s")) * time.Second,
			ProbeTimeout:   time.Duration(v.GetInt("hubwatch_conn_probe_timeout_ms")) * time.Millisecond,
		},
		Polling: PollingConfig{
			Interval: time.Duration(v.GetInt("hubwatch_poll_interval_s")) * time.Second,
			PageSize: pageSize,
			MaxPages: maxPages,
		},
		Scoring: ScoringConfig{
			VerifiedThreshold:   clampUnit(v.GetFloat64("hubwatch_score_verified"), 0.8),
			UnverifiedThreshold: clampUnit(v.GetFloat64("hubwatch_score_unverified"), 0.5),
			SenderWeight:        clampUnit(v.GetFloat64("hubwatch_score_sender_weight"), 0.3),
			LengthWeight:        clampUnit(v.GetFloat64("hubwatch_score_length_weight"), 0.2),
			LanguageWeight:      clampUnit(v.GetFloat64("hubwatch_score_language_weight"), 0.25),
			RecencyWeight:       clampUnit(v.GetFloat64("hubwatch_score_recency_weight"), 0.25),
			SpamPenalty:         clampUnit(v.GetFloat64("hubwatch_score_spam_penalty"), 0.5),
		},
		Filters: FilterConfig{
			DropEchoes:          v.GetBool("hubwatch_filter_echoes"),
			DropSponsored:       v.GetBool("hubwatch_filter_sponsored"),
			DropHidden:          v.GetBool("hubwatch_filter_hidden"),
			DropFeedbackPrompts: v.GetBool("hubwatch_filter_feedback"),
		},
		Monitor: MonitorConfig{
			RingCapacity:    ringCapacity,
			SnapshotLogs:    snapshotLogs,
			LogDir:          strings.TrimSpace(v.GetString("hubwatch_log_dir")),
			LogMaxBytes:     v.GetInt64("hubwatch_log_max_bytes"),
			LogMaxFiles:     v.GetInt("hubwatch_log_max_files"),
			EventBufferSize: v.GetInt("hubwatch_monitor_event_buffer"),
		},
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/hubwatch"
	}
	if cfg.Monitor.LogDir == "" {
		cfg.Monitor.LogDir = "data/logs"
	}
	if cfg.Monitor.LogMaxBytes <= 0 {
		cfg.Monitor.LogMaxBytes = 5 * 1024 * 1024
	}
	if cfg.Monitor.LogMaxFiles <= 0 {
		cfg.Monitor.LogMaxFiles = 14
	}
	if cfg.Monitor.EventBufferSize <= 0 {
		cfg.Monitor.EventBufferSize = 256
	}
	if cfg.Scoring.UnverifiedThreshold > cfg.Scoring.VerifiedThreshold {
		cfg.Scoring.UnverifiedThreshold = cfg.Scoring.VerifiedThreshold
	}

	if cfg.IsLocalDevelopment() {
		if cfg.Credentials.Secret == "" {
			cfg.Credentials.Secret = "hubwatch-local-dev"
		}
		if cfg.Platform.AppSecret == "" {
			cfg.Platform.AppSecret = "hubwatch-local-dev"
		}
		if cfg.Platform.VerifyToken == "" {
			cfg.Platform.VerifyToken = "hubwatch-local-dev"
		}
	} else {
		if cfg.Credentials.Secret == "" {
			return Config{}, fmt.Errorf("HUBWATCH_CREDENTIAL_SECRET is required outside local/dev environments")
		}
		if cfg.Platform.AppSecret == "" {
			return Config{}, fmt.Errorf("HUBWATCH_APP_SECRET is required outside local/dev environments")
		}
		if cfg.Platform.VerifyToken == "" {
			return Config{}, fmt.Errorf("HUBWATCH_VERIFY_TOKEN is required outside local/dev environments")
		}
	}

	return cfg, nil
}

func clampUnit(value, fallback float64) float64 {
	if value < 0 || value > 1 {
		return fallback
	}
	return value
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"hubwatch_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}

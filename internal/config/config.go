package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config centralizes runtime settings for the worker and its status API.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	AuthToken string `envconfig:"API_AUTH_TOKEN"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	HH        HHConfig
	Folders   FolderConfig
	Cycle     CycleConfig
	Reminders ReminderConfig
	OpenAI    OpenAIConfig
	Knowledge KnowledgeConfig

	FlowCatalogPath   string `envconfig:"FLOW_CATALOG_PATH"`
	LowLimitThreshold int    `envconfig:"LOW_LIMIT_THRESHOLD" default:"20"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisStream   string `envconfig:"REDIS_STREAM" default:"hh_qualified_candidates"`
	RedisMaxLen   int64  `envconfig:"REDIS_STREAM_MAXLEN" default:"10000"`

	LockTTL time.Duration `envconfig:"DIALOGUE_LOCK_TTL" default:"5m"`

	// Publisher selects where qualified-candidate events go: local, redis or kafka.
	Publisher    string   `envconfig:"NOTIFICATION_PUBLISHER" default:"local"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"hh.qualified-candidates"`

	SlackToken   string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel string `envconfig:"SLACK_ALERT_CHANNEL"`

	RateLimitRPS   float64  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int      `envconfig:"RATE_LIMIT_BURST" default:"40"`
	CORSOrigins    []string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

type HHConfig struct {
	BaseURL         string        `envconfig:"HH_BASE_URL" default:"https://api.hh.ru"`
	TokenURL        string        `envconfig:"HH_TOKEN_URL" default:"https://api.hh.ru/token"`
	ClientID        string        `envconfig:"HH_CLIENT_ID"`
	ClientSecret    string        `envconfig:"HH_CLIENT_SECRET"`
	UserAgent       string        `envconfig:"HH_USER_AGENT" default:"hh-worker/1.0 (ops@example.com)"`
	Timeout         time.Duration `envconfig:"HH_TIMEOUT" default:"15s"`
	MaxConcurrency  int           `envconfig:"HH_MAX_CONCURRENCY" default:"5"`
	RateLimitRPS    float64       `envconfig:"HH_RATE_LIMIT_RPS" default:"10"`
	PerPage         int           `envconfig:"HH_PER_PAGE" default:"50"`
	TokenMargin     time.Duration `envconfig:"HH_TOKEN_SAFETY_MARGIN" default:"5m"`
	NotExpiredRetry time.Duration `envconfig:"HH_TOKEN_NOT_EXPIRED_RETRY" default:"1m"`
}

// FolderConfig names the hh.ru negotiation folders the worker moves candidates between.
type FolderConfig struct {
	Unclassified string `envconfig:"HH_FOLDER_UNCLASSIFIED" default:"response"`
	Consider     string `envconfig:"HH_FOLDER_CONSIDER" default:"consider"`
	Interview    string `envconfig:"HH_FOLDER_INTERVIEW" default:"interview"`
	Discard      string `envconfig:"HH_FOLDER_DISCARD" default:"discard"`
}

type CycleConfig struct {
	DebounceWindow        time.Duration `envconfig:"DEBOUNCE_WINDOW" default:"15s"`
	Pause                 time.Duration `envconfig:"CYCLE_PAUSE" default:"15s"`
	CrashPause            time.Duration `envconfig:"CRASH_PAUSE" default:"120s"`
	MaxParallelRecruiters int           `envconfig:"MAX_PARALLEL_RECRUITERS" default:"10"`
	TypingDelayMin        time.Duration `envconfig:"TYPING_DELAY_MIN" default:"2s"`
	TypingDelayMax        time.Duration `envconfig:"TYPING_DELAY_MAX" default:"6s"`
	RelayBatchSize        int           `envconfig:"RELAY_BATCH_SIZE" default:"50"`
}

type ReminderConfig struct {
	First  time.Duration `envconfig:"REMINDER_1" default:"30m"`
	Second time.Duration `envconfig:"REMINDER_2" default:"2h"`
	Third  time.Duration `envconfig:"REMINDER_3" default:"24h"`
	Final  time.Duration `envconfig:"REMINDER_4" default:"48h"`
}

type OpenAIConfig struct {
	APIKey        string        `envconfig:"OPENAI_API_KEY"`
	BaseURL       string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	Timeout       time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	MaxRetries    int           `envconfig:"OPENAI_MAX_RETRIES" default:"2"`
	ModelPrimary  string        `envconfig:"OPENAI_MODEL_PRIMARY" default:"gpt-4o-mini"`
	ModelFallback string        `envconfig:"OPENAI_MODEL_FALLBACK" default:"gpt-4.1-nano"`
	Temperature   float64       `envconfig:"OPENAI_TEMPERATURE" default:"0.2"`
}

type KnowledgeConfig struct {
	ScriptPath string        `envconfig:"QUALIFICATION_SCRIPT_PATH"`
	ScriptURL  string        `envconfig:"QUALIFICATION_SCRIPT_URL"`
	TTL        time.Duration `envconfig:"QUALIFICATION_SCRIPT_TTL" default:"10m"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HH.MaxConcurrency <= 0 {
		return fmt.Errorf("HH_MAX_CONCURRENCY must be positive, got %d", c.HH.MaxConcurrency)
	}
	if c.Cycle.DebounceWindow < 0 {
		return fmt.Errorf("DEBOUNCE_WINDOW must not be negative")
	}
	if c.Cycle.TypingDelayMax < c.Cycle.TypingDelayMin {
		return fmt.Errorf("TYPING_DELAY_MAX must be >= TYPING_DELAY_MIN")
	}
	r := c.Reminders
	if !(r.First < r.Second && r.Second < r.Third && r.Third < r.Final) {
		return fmt.Errorf("reminder thresholds must be strictly increasing")
	}
	switch c.Publisher {
	case "local", "redis", "kafka":
	default:
		return fmt.Errorf("unknown NOTIFICATION_PUBLISHER %q", c.Publisher)
	}
	return nil
}

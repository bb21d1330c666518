package config

import (
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	SourceBridgeURL    string `env:"SOURCE_BRIDGE_URL,required=true"`
	InterpreterURL     string `env:"INTERPRETER_URL,required=true"`
	SourceKeys         string `env:"SOURCE_KEYS,default=rsia_melinda;rsud_gambiran"`
	CredentialKey      string `env:"CREDENTIAL_KEY,required=true"`
	JWTSecret          string `env:"JWT_SECRET,required=true"`
	CategoryHint       string `env:"CATEGORY_HINT,default=obstetri"`
	SourceRatePerMin   int    `env:"SOURCE_RATE_PER_MIN,default=12"`
	CandidateLimit     int    `env:"CANDIDATE_LIMIT,default=100"`
	SyncStaleDays      int    `env:"SYNC_STALE_DAYS,default=7"`
	StaleJobMinutes    int    `env:"STALE_JOB_MINUTES,default=15"`
	RecordNumberPrefix string `env:"RECORD_NUMBER_PREFIX,default=MR"`
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Sources splits the semicolon-separated SOURCE_KEYS value.
func (c *Config) Sources() []string {
	parts := strings.Split(c.SourceKeys, ";")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

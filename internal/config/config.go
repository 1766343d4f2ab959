package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	PostgresDSN    string
	RedisAddr      string
	RedisKeyPrefix string
	Workers        int
	HTTPAddr       string
	MetricsAddr    string
	ModelPath      string
	StorageDir     string
	NATSURL        string
	APITokens      map[string]Identity
	ReapInterval   time.Duration
}

// Identity is one entry of API_TOKENS. Admin is set for tokens also listed
// in ADMIN_TOKENS.
type Identity struct {
	UID   string
	Email string
	Admin bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisKeyPrefix: envOr("REDIS_KEY_PREFIX", "jobs"),
		Workers:        envIntOr("WORKERS", 4),
		HTTPAddr:       envOr("HTTP_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		ModelPath:      envOr("MODEL_PATH", "models/detector.json"),
		StorageDir:     os.Getenv("STORAGE_DIR"),
		NATSURL:        os.Getenv("NATS_URL"),
		ReapInterval:   envDurationOr("REAP_INTERVAL", 30*time.Second),
	}

	var missing []string
	if cfg.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}
	if cfg.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}

	tokens, err := ParseTokens(os.Getenv("API_TOKENS"))
	if err != nil {
		return nil, err
	}
	if err := MarkAdmins(tokens, os.Getenv("ADMIN_TOKENS")); err != nil {
		return nil, err
	}
	cfg.APITokens = tokens

	return cfg, nil
}

// ParseTokens parses "token:uid[:email],..." pairs.
func ParseTokens(raw string) (map[string]Identity, error) {
	out := map[string]Identity{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("API_TOKENS: malformed entry %q", item)
		}
		id := Identity{UID: parts[1]}
		if len(parts) == 3 {
			id.Email = parts[2]
		}
		out[parts[0]] = id
	}
	return out, nil
}

// MarkAdmins flags the comma-separated tokens in raw as admins. Every admin
// token must already be in tokens.
func MarkAdmins(tokens map[string]Identity, raw string) error {
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, ok := tokens[token]
		if !ok {
			return fmt.Errorf("ADMIN_TOKENS: token is not in API_TOKENS")
		}
		id.Admin = true
		tokens[token] = id
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password: user:pass@ -> user:****@.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}

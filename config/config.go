package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	LogLevel       string
	SignalBackend  string
	CallTTL        time.Duration
	Redis          RedisConfig
	ICE            ICEConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Prefix   string
}

// ICEConfig lists the STUN/TURN servers handed to the negotiation engine
type ICEConfig struct {
	URLs     []string
	Username string
	Password string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real env vars take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error

	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	db, err := getInt("REDIS_DB", 0)
	errs = appendErr(errs, err)
	tokenTTL, err := getDuration("TOKEN_TTL", 24*time.Hour)
	errs = appendErr(errs, err)
	callTTL, err := getDuration("CALL_TTL", 2*time.Hour)
	errs = appendErr(errs, err)

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		TokenTTL:       tokenTTL,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SignalBackend:  getEnv("SIGNAL_BACKEND", BackendRedis),
		CallTTL:        callTTL,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       db,
			Prefix:   getEnv("REDIS_PREFIX", "panic_calls"),
		},
		ICE: ICEConfig{
			URLs:     splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
			Username: getEnv("TURN_USERNAME", ""),
			Password: getEnv("TURN_PASSWORD", ""),
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	var errs []error

	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a valid port, got %q", c.Port))
	}
	switch c.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be one of development, staging, production, got %q", c.Environment))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && c.JWTSecret == "change-me-in-production" {
		errs = append(errs, errors.New("JWT_SECRET must be changed in production"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.CallTTL < 0 {
		errs = append(errs, errors.New("CALL_TTL must not be negative"))
	}

	switch c.SignalBackend {
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Redis.Prefix == "" {
			errs = append(errs, errors.New("REDIS_PREFIX is required"))
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("SIGNAL_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("SIGNAL_BACKEND must be redis or memory, got %q", c.SignalBackend))
	}

	for _, u := range c.ICE.URLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errs = append(errs, fmt.Errorf("ICE_SERVERS entry %q must start with stun:, turn: or turns:", u))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) HTTPAddr() string {
	return ":" + c.Port
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

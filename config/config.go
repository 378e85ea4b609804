// Package config reads process settings from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr      string
	DatabaseURL     string
	RedisAddr       string
	EventWorkers    int
	EventMaxRetries int
	LogLevel        string
	ShutdownTimeout time.Duration

	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMTemperature float32

	ScannerCommand   string
	ScannerArgs      []string
	ScannerDir       string
	ScannerKillGrace time.Duration

	SubtaskFailurePolicy string
}

// Load reads files (".env" when none are given) and then the environment.
// A missing file is fine; a malformed value is not.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	p := parser{}
	cfg := Config{
		ServerAddr:      p.str("SERVER_ADDR", ":8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       p.str("REDIS_ADDR", "localhost:6379"),
		EventWorkers:    p.int("EVENT_WORKERS", 5),
		EventMaxRetries: p.int("EVENT_MAX_RETRIES", 3),
		LogLevel:        p.str("LOG_LEVEL", "info"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 5*time.Second),

		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMBaseURL:     os.Getenv("LLM_BASE_URL"),
		LLMModel:       p.str("LLM_MODEL", "qwen-qwq-32b"),
		LLMTemperature: p.float32("LLM_TEMPERATURE", 0.6),

		ScannerCommand:   p.str("SCANNER_COMMAND", "python"),
		ScannerArgs:      strings.Fields(p.str("SCANNER_ARGS", "push_ocr_data.py")),
		ScannerDir:       os.Getenv("SCANNER_DIR"),
		ScannerKillGrace: p.duration("SCANNER_KILL_GRACE", 3*time.Second),

		SubtaskFailurePolicy: os.Getenv("SUBTASK_FAILURE_POLICY"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.EventWorkers <= 0 {
		return Config{}, fmt.Errorf("EVENT_WORKERS must be positive, got %d", cfg.EventWorkers)
	}
	if cfg.EventMaxRetries < 0 {
		return Config{}, fmt.Errorf("EVENT_MAX_RETRIES must not be negative, got %d", cfg.EventMaxRetries)
	}
	return cfg, nil
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float32(key string, def float32) float32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return float32(f)
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

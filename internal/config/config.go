package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	DefaultProviderType    = "openai"
	DefaultModel           = "gpt-4o-mini"
	DefaultMaxTokens       = 700
	DefaultTemperature     = 0.7
	DefaultHistoryLimit    = 12
	MinHistoryLimit        = 2
	DefaultPhotoDailyLimit = 5
	DefaultTranscribeModel = "whisper-1"
	DefaultVisionModel     = "gpt-4o-mini"
	DefaultMediaLanguage   = "ru"
	DefaultVisionMaxTokens = 400
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 3000
	DefaultWebhookPath     = "/telegram/webhook"
	DefaultStoreBackend    = "file"
	DefaultInactivityTTL   = "720h"
	DefaultMaxRecordAge    = "8760h"
	DefaultSweepSchedule   = "@every 6h"
	DefaultPersistDebounce = "500ms"
	DefaultLogLevel        = "info"
	DefaultBufSize         = 100

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Media     MediaConfig     `json:"media"`
	Telegram  TelegramConfig  `json:"telegram"`
	Gateway   GatewayConfig   `json:"gateway"`
	Retention RetentionConfig `json:"retention"`
	Prompts   PromptsConfig   `json:"prompts"`
	Log       LogConfig       `json:"log"`
}

type AgentConfig struct {
	Model           string  `json:"model"`
	MaxTokens       int     `json:"maxTokens"`
	Temperature     float64 `json:"temperature"`
	HistoryLimit    int     `json:"historyLimit"`
	PhotoDailyLimit int     `json:"photoDailyLimit"`
	Timezone        string  `json:"timezone,omitempty"` // IANA name, empty or "local" for the host zone
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// MediaConfig covers transcription and image description. Both go to an
// OpenAI-compatible endpoint; an empty APIKey falls back to Provider.APIKey.
type MediaConfig struct {
	APIKey          string `json:"apiKey,omitempty"`
	BaseURL         string `json:"baseUrl,omitempty"`
	TranscribeModel string `json:"transcribeModel"`
	VisionModel     string `json:"visionModel"`
	Language        string `json:"language,omitempty"`
	MaxTokens       int    `json:"maxTokens,omitempty"`
}

type TelegramConfig struct {
	Token         string   `json:"token"`
	PublicURL     string   `json:"publicUrl"`
	WebhookPath   string   `json:"webhookPath"`
	WebhookSecret string   `json:"webhookSecret,omitempty"`
	AllowFrom     []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type RetentionConfig struct {
	Backend         string `json:"backend"`
	DataDir         string `json:"dataDir"`
	InactivityTTL   string `json:"inactivityTtl"`
	MaxRecordAge    string `json:"maxRecordAge"`
	SweepSchedule   string `json:"sweepSchedule"`
	PersistDebounce string `json:"persistDebounce"`
}

type PromptsConfig struct {
	File string `json:"file,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           DefaultModel,
			MaxTokens:       DefaultMaxTokens,
			Temperature:     DefaultTemperature,
			HistoryLimit:    DefaultHistoryLimit,
			PhotoDailyLimit: DefaultPhotoDailyLimit,
		},
		Provider: ProviderConfig{Type: DefaultProviderType},
		Media: MediaConfig{
			TranscribeModel: DefaultTranscribeModel,
			VisionModel:     DefaultVisionModel,
			Language:        DefaultMediaLanguage,
			MaxTokens:       DefaultVisionMaxTokens,
		},
		Telegram: TelegramConfig{WebhookPath: DefaultWebhookPath},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Retention: RetentionConfig{
			Backend:         DefaultStoreBackend,
			DataDir:         filepath.Join(ConfigDir(), "data"),
			InactivityTTL:   DefaultInactivityTTL,
			MaxRecordAge:    DefaultMaxRecordAge,
			SweepSchedule:   DefaultSweepSchedule,
			PersistDebounce: DefaultPersistDebounce,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".vnorme")
}

func ConfigPath() string {
	if p := os.Getenv("VNORME_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig layers defaults, the optional JSON file, a .env file in the
// working directory and finally the process environment.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	fillDefaults(cfg)
	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	if v := firstEnv("TELEGRAM_BOT_TOKEN", "BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := firstEnv("OPENAI_API_KEY", "MODEL_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_TYPE"); v != "" {
		cfg.Provider.Type = strings.ToLower(v)
	}
	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("MEDIA_API_KEY"); v != "" {
		cfg.Media.APIKey = v
	}
	if v := os.Getenv("MEDIA_BASE_URL"); v != "" {
		cfg.Media.BaseURL = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Telegram.PublicURL = v
	}
	if v := os.Getenv("WEBHOOK_PATH"); v != "" {
		cfg.Telegram.WebhookPath = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("TELEGRAM_ALLOW_FROM"); v != "" {
		cfg.Telegram.AllowFrom = splitList(v)
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("TRANSCRIBE_MODEL"); v != "" {
		cfg.Media.TranscribeModel = v
	}
	if v := os.Getenv("VISION_MODEL"); v != "" {
		cfg.Media.VisionModel = v
	}
	if v := os.Getenv("BOT_TIMEZONE"); v != "" {
		cfg.Agent.Timezone = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Retention.DataDir = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Retention.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("INACTIVITY_TTL"); v != "" {
		cfg.Retention.InactivityTTL = v
	}
	if v := os.Getenv("MAX_RECORD_AGE"); v != "" {
		cfg.Retention.MaxRecordAge = v
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.Retention.SweepSchedule = v
	}
	if v := os.Getenv("PERSIST_DEBOUNCE"); v != "" {
		cfg.Retention.PersistDebounce = v
	}
	if v := os.Getenv("PROMPTS_FILE"); v != "" {
		cfg.Prompts.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"HISTORY_LIMIT", &cfg.Agent.HistoryLimit},
		{"MAX_TOKENS", &cfg.Agent.MaxTokens},
		{"PHOTO_DAILY_LIMIT", &cfg.Agent.PhotoDailyLimit},
		{"PORT", &cfg.Gateway.Port},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", iv.name, err))
			continue
		}
		*iv.dst = parsed
	}
	if v := os.Getenv("TEMPERATURE"); v != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TEMPERATURE: %w", err))
		} else {
			cfg.Agent.Temperature = parsed
		}
	}
	return errors.Join(errs...)
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = def.Provider.Type
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = def.Agent.Model
	}
	if cfg.Agent.HistoryLimit < MinHistoryLimit {
		cfg.Agent.HistoryLimit = MinHistoryLimit
	}
	if cfg.Media.TranscribeModel == "" {
		cfg.Media.TranscribeModel = def.Media.TranscribeModel
	}
	if cfg.Media.VisionModel == "" {
		cfg.Media.VisionModel = def.Media.VisionModel
	}
	if cfg.Telegram.WebhookPath == "" {
		cfg.Telegram.WebhookPath = def.Telegram.WebhookPath
	}
	if !strings.HasPrefix(cfg.Telegram.WebhookPath, "/") {
		cfg.Telegram.WebhookPath = "/" + cfg.Telegram.WebhookPath
	}
	if cfg.Retention.Backend == "" {
		cfg.Retention.Backend = def.Retention.Backend
	}
	if cfg.Retention.DataDir == "" {
		cfg.Retention.DataDir = def.Retention.DataDir
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = def.Retention.SweepSchedule
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if strings.TrimSpace(c.Telegram.PublicURL) == "" {
		errs = append(errs, errors.New("PUBLIC_URL is required"))
	}
	errs = append(errs, c.ValidateCore())
	return errors.Join(errs...)
}

// ValidateCore checks the settings every command needs, leaving out the
// Telegram-only ones.
func (c *Config) ValidateCore() error {
	var errs []error
	switch c.Provider.Type {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("PROVIDER_TYPE %q: want openai or anthropic", c.Provider.Type))
	}
	switch c.Retention.Backend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q: want file or sqlite", c.Retention.Backend))
	}
	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TOKENS must be positive, got %d", c.Agent.MaxTokens))
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("TEMPERATURE must be within [0, 2], got %v", c.Agent.Temperature))
	}
	if c.Agent.PhotoDailyLimit < 0 {
		errs = append(errs, fmt.Errorf("PHOTO_DAILY_LIMIT must not be negative, got %d", c.Agent.PhotoDailyLimit))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Gateway.Port))
	}
	if _, err := c.Retention.Durations(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Agent.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type RetentionDurations struct {
	InactivityTTL   time.Duration
	MaxRecordAge    time.Duration
	PersistDebounce time.Duration
}

func (r RetentionConfig) Durations() (RetentionDurations, error) {
	var (
		d    RetentionDurations
		errs []error
	)
	parse := func(name, raw, fallback string, dst *time.Duration) {
		if strings.TrimSpace(raw) == "" {
			raw = fallback
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, raw))
			return
		}
		*dst = v
	}
	parse("INACTIVITY_TTL", r.InactivityTTL, DefaultInactivityTTL, &d.InactivityTTL)
	parse("MAX_RECORD_AGE", r.MaxRecordAge, DefaultMaxRecordAge, &d.MaxRecordAge)
	parse("PERSIST_DEBOUNCE", r.PersistDebounce, DefaultPersistDebounce, &d.PersistDebounce)
	return d, errors.Join(errs...)
}

// Location resolves the zone used for calendar-day keys.
func (a AgentConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(a.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("BOT_TIMEZONE: %w", err)
	}
	return loc, nil
}

// WebhookRoute is the path the webhook handler is mounted on; the secret,
// when set, becomes an extra path segment.
func (t TelegramConfig) WebhookRoute() string {
	path := t.WebhookPath
	if path == "" {
		path = DefaultWebhookPath
	}
	if t.WebhookSecret != "" {
		path = strings.TrimRight(path, "/") + "/" + t.WebhookSecret
	}
	return path
}

// WebhookURL is the public address registered with Telegram.
func (t TelegramConfig) WebhookURL() string {
	return strings.TrimRight(t.PublicURL, "/") + t.WebhookRoute()
}

func SaveConfig(cfg *Config) error {
	dir := filepath.Dir(ConfigPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0644)
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	parts := lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	return lo.Uniq(lo.Compact(parts))
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultAPIPrefix           = "/api"
	defaultInventoryTimeoutSec = 10

	defaultGatewayOfflineSec  = 60
	defaultBackboneOfflineSec = 900
	defaultOfflineRepeatSec   = 900
	defaultFlapWindowSec      = 900
	defaultFlapThreshold      = 3
	defaultFlapSuppressSec    = 1800
	defaultLatencyThresholdMS = 200
	defaultLatencyStreak      = 3
	defaultLatencySuppressSec = 900

	defaultProbeWindowSec      = 180
	defaultProbeMaxPerWindow   = 10
	defaultProbeMinIntervalSec = 3600
	defaultProbeTimeoutMS      = 1000

	defaultHistoryRetentionDays = 30
	defaultHistoryLimit         = 1440

	defaultStaleStateTTLDays = 30

	defaultNATSURL         = "nats://127.0.0.1:4222"
	defaultNATSStateBucket = "nocwatch-devices"

	// StateModeMemory keeps device state in process memory.
	StateModeMemory = "memory"
	// StateModeNATS keeps device state in a JetStream KV bucket.
	StateModeNATS = "nats"

	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelWebhook identifies generic HTTP webhook transport.
	NotifyChannelWebhook = "webhook"
)

// Config is the root runtime configuration snapshot.
// Params: section structs decoded from TOML sources.
// Returns: validated runtime settings for service wiring.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	Inventory  InventoryConfig  `toml:"inventory"`
	Thresholds ThresholdConfig  `toml:"thresholds"`
	Probe      ProbeConfig      `toml:"probe"`
	History    HistoryConfig    `toml:"history"`
	State      StateConfig      `toml:"state"`
	Notify     NotifyConfig     `toml:"notify"`
	HTTP       HTTPConfig       `toml:"http"`
}

// ServiceConfig keeps process-level runtime settings.
// Params: optional poll cadence and stale state eviction TTL.
// Returns: service loop behavior settings.
type ServiceConfig struct {
	PollIntervalSec   int `toml:"poll_interval_sec"`
	StaleStateTTLDays int `toml:"stale_state_ttl_days"`
}

// LogConfig keeps logging sink settings.
// Params: console and file sink sections.
// Returns: logger construction input.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig keeps one log sink settings.
// Params: enabled flag, level, format, and file path.
// Returns: sink construction input.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// InventoryConfig keeps inventory source API settings.
// Params: base URL, auth token, and request timeout.
// Returns: inventory client construction input.
type InventoryConfig struct {
	URL        string `toml:"url"`
	Token      string `toml:"token"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// ThresholdConfig keeps class-specific alert thresholds.
// Params: outage, flap, and latency detector settings in seconds/ms.
// Returns: detector threshold inputs.
type ThresholdConfig struct {
	GatewayOfflineSec  int     `toml:"gateway_offline_sec"`
	BackboneOfflineSec int     `toml:"backbone_offline_sec"`
	OfflineRepeatSec   int     `toml:"offline_repeat_sec"`
	FlapWindowSec      int     `toml:"flap_window_sec"`
	FlapThreshold      int     `toml:"flap_threshold"`
	FlapSuppressSec    int     `toml:"flap_suppress_sec"`
	LatencyThresholdMS float64 `toml:"latency_threshold_ms"`
	LatencyStreak      int     `toml:"latency_streak"`
	LatencySuppressSec int     `toml:"latency_suppress_sec"`
}

// ProbeConfig keeps active probe sampler settings.
// Params: window cadence, selection bound, per-device cooldown, probe timeout.
// Returns: sampler and prober construction input.
type ProbeConfig struct {
	Enabled        bool `toml:"enabled"`
	WindowSec      int  `toml:"window_sec"`
	MaxPerWindow   int  `toml:"max_per_window"`
	MinIntervalSec int  `toml:"min_interval_sec"`
	TimeoutMS      int  `toml:"timeout_ms"`
}

// HistoryConfig keeps metric history recorder settings.
// Params: postgres DSN, retention window, and read limit.
// Returns: history recorder construction input.
type HistoryConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	RetentionDays int    `toml:"retention_days"`
	ReadLimit     int    `toml:"read_limit"`
}

// StateConfig keeps device state backend settings.
// Params: backend mode and NATS KV settings.
// Returns: store construction input.
type StateConfig struct {
	Mode               string   `toml:"mode"`
	URL                []string `toml:"url"`
	Bucket             string   `toml:"bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// NotifyConfig keeps outbound notification transport settings.
// Params: channel sections and shared retry policy.
// Returns: dispatcher construction input.
type NotifyConfig struct {
	Telegram TelegramNotifier `toml:"telegram"`
	Webhook  WebhookNotifier  `toml:"webhook"`
}

// TelegramNotifier keeps Telegram channel settings.
// Params: bot token, chat id, API base, and retry policy.
// Returns: Telegram sender construction input.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	ChatID   string      `toml:"chat_id"`
	APIBase  string      `toml:"api_base"`
	Retry    NotifyRetry `toml:"retry"`
}

// WebhookNotifier keeps generic HTTP webhook channel settings.
// Params: endpoint URL, method, timeout, headers, and retry policy.
// Returns: webhook sender construction input.
type WebhookNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Retry      NotifyRetry       `toml:"retry"`
}

// NotifyRetry keeps channel delivery retry policy.
// Params: attempt bound and backoff settings.
// Returns: dispatcher retry behavior.
type NotifyRetry struct {
	Enabled     bool   `toml:"enabled"`
	MaxAttempts int    `toml:"max_attempts"`
	InitialMS   int    `toml:"initial_ms"`
	MaxMS       int    `toml:"max_ms"`
	Backoff     string `toml:"backoff"`
}

// HTTPConfig keeps control API server settings.
// Params: listen address and endpoint paths.
// Returns: HTTP server construction input.
type HTTPConfig struct {
	Listen     string `toml:"listen"`
	HealthPath string `toml:"health_path"`
	ReadyPath  string `toml:"ready_path"`
	APIPrefix  string `toml:"api_prefix"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source fragment onto destination at section granularity.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Inventory != (InventoryConfig{}) {
		dst.Inventory = src.Inventory
	}
	if src.Thresholds != (ThresholdConfig{}) {
		dst.Thresholds = src.Thresholds
	}
	if src.Probe != (ProbeConfig{}) {
		dst.Probe = src.Probe
	}
	if src.History != (HistoryConfig{}) {
		dst.History = src.History
	}
	if hasStateConfig(src.State) {
		dst.State = src.State
	}
	if hasNotifyConfig(src.Notify) {
		dst.Notify = src.Notify
	}
	if src.HTTP != (HTTPConfig{}) {
		dst.HTTP = src.HTTP
	}
}

// hasStateConfig reports whether fragment carries state backend settings.
// Params: state section from one fragment.
// Returns: true when any state field was set.
func hasStateConfig(cfg StateConfig) bool {
	return cfg.Mode != "" || len(cfg.URL) > 0 || cfg.Bucket != "" || cfg.AllowCreateBuckets
}

// hasNotifyConfig reports whether fragment carries notify settings.
// Params: notify section from one fragment.
// Returns: true when any channel was configured.
func hasNotifyConfig(cfg NotifyConfig) bool {
	return cfg.Telegram.Enabled || cfg.Telegram.BotToken != "" || cfg.Telegram.ChatID != "" ||
		cfg.Webhook.Enabled || cfg.Webhook.URL != ""
}

// applyDefaults fills zero-value settings with runtime defaults.
// Params: mutable config snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.StaleStateTTLDays == 0 {
		cfg.Service.StaleStateTTLDays = defaultStaleStateTTLDays
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}

	if cfg.Inventory.TimeoutSec == 0 {
		cfg.Inventory.TimeoutSec = defaultInventoryTimeoutSec
	}

	t := &cfg.Thresholds
	if t.GatewayOfflineSec == 0 {
		t.GatewayOfflineSec = defaultGatewayOfflineSec
	}
	if t.BackboneOfflineSec == 0 {
		t.BackboneOfflineSec = defaultBackboneOfflineSec
	}
	if t.OfflineRepeatSec == 0 {
		t.OfflineRepeatSec = defaultOfflineRepeatSec
	}
	if t.FlapWindowSec == 0 {
		t.FlapWindowSec = defaultFlapWindowSec
	}
	if t.FlapThreshold == 0 {
		t.FlapThreshold = defaultFlapThreshold
	}
	if t.FlapSuppressSec == 0 {
		t.FlapSuppressSec = defaultFlapSuppressSec
	}
	if t.LatencyThresholdMS == 0 {
		t.LatencyThresholdMS = defaultLatencyThresholdMS
	}
	if t.LatencyStreak == 0 {
		t.LatencyStreak = defaultLatencyStreak
	}
	if t.LatencySuppressSec == 0 {
		t.LatencySuppressSec = defaultLatencySuppressSec
	}

	if cfg.Probe.WindowSec == 0 {
		cfg.Probe.WindowSec = defaultProbeWindowSec
	}
	if cfg.Probe.MaxPerWindow == 0 {
		cfg.Probe.MaxPerWindow = defaultProbeMaxPerWindow
	}
	if cfg.Probe.MinIntervalSec == 0 {
		cfg.Probe.MinIntervalSec = defaultProbeMinIntervalSec
	}
	if cfg.Probe.TimeoutMS == 0 {
		cfg.Probe.TimeoutMS = defaultProbeTimeoutMS
	}

	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = defaultHistoryRetentionDays
	}
	if cfg.History.ReadLimit == 0 {
		cfg.History.ReadLimit = defaultHistoryLimit
	}

	if cfg.State.Mode == "" {
		cfg.State.Mode = StateModeMemory
	}
	if len(cfg.State.URL) == 0 {
		cfg.State.URL = []string{defaultNATSURL}
	}
	if cfg.State.Bucket == "" {
		cfg.State.Bucket = defaultNATSStateBucket
	}

	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	fillNotifyRetryDefaults(&cfg.Notify.Webhook.Retry)
	if cfg.Notify.Webhook.Method == "" {
		cfg.Notify.Webhook.Method = "POST"
	}
	if cfg.Notify.Webhook.TimeoutSec == 0 {
		cfg.Notify.Webhook.TimeoutSec = 5
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if cfg.HTTP.HealthPath == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.HTTP.ReadyPath == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.HTTP.APIPrefix == "" {
		cfg.HTTP.APIPrefix = defaultAPIPrefix
	}
}

// fillNotifyRetryDefaults fills retry policy defaults for one channel.
// Params: mutable retry policy.
// Returns: defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialMS == 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS == 0 {
		retry.MaxMS = 5000
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
}

// validateConfig checks config snapshot invariants.
// Params: config to validate after defaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Inventory.URL) == "" {
		return errors.New("inventory.url is required")
	}
	if _, err := url.Parse(cfg.Inventory.URL); err != nil {
		return fmt.Errorf("inventory.url is invalid: %w", err)
	}
	if cfg.Inventory.TimeoutSec <= 0 {
		return errors.New("inventory.timeout_sec must be positive")
	}

	if !IsSupportedStateMode(cfg.State.Mode) {
		return fmt.Errorf("state.mode %q is not supported (memory, nats)", cfg.State.Mode)
	}

	t := cfg.Thresholds
	if t.GatewayOfflineSec <= 0 || t.BackboneOfflineSec <= 0 || t.OfflineRepeatSec <= 0 {
		return errors.New("thresholds offline settings must be positive")
	}
	if t.FlapWindowSec <= 0 || t.FlapThreshold <= 0 || t.FlapSuppressSec <= 0 {
		return errors.New("thresholds flap settings must be positive")
	}
	if t.LatencyThresholdMS <= 0 || t.LatencyStreak <= 0 || t.LatencySuppressSec <= 0 {
		return errors.New("thresholds latency settings must be positive")
	}

	if cfg.Probe.WindowSec <= 0 || cfg.Probe.MaxPerWindow <= 0 || cfg.Probe.MinIntervalSec <= 0 {
		return errors.New("probe settings must be positive")
	}

	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when telegram is enabled")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when telegram is enabled")
		}
	}
	if cfg.Notify.Webhook.Enabled {
		if strings.TrimSpace(cfg.Notify.Webhook.URL) == "" {
			return errors.New("notify.webhook.url is required when webhook is enabled")
		}
	}

	if err := validateLogSink("console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// validateLogSink checks one log sink settings.
// Params: sink name, sink settings, and path requirement flag.
// Returns: validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("log.%s.format %q is not supported (line, json)", name, sink.Format)
	}
	switch strings.ToLower(sink.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.%s.level %q is not supported", name, sink.Level)
	}
	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("log.%s.path is required", name)
	}
	return nil
}

// IsSupportedStateMode reports whether state backend mode is known.
// Params: normalized mode value.
// Returns: true for memory and nats modes.
func IsSupportedStateMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case StateModeMemory, StateModeNATS:
		return true
	default:
		return false
	}
}

// Timeout returns inventory request timeout as duration.
// Params: none.
// Returns: timeout duration.
func (c InventoryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// GatewayOffline returns the gateway initial outage threshold.
// Params: none.
// Returns: threshold duration.
func (t ThresholdConfig) GatewayOffline() time.Duration {
	return time.Duration(t.GatewayOfflineSec) * time.Second
}

// BackboneOffline returns the non-gateway backbone outage threshold.
// Params: none.
// Returns: threshold duration.
func (t ThresholdConfig) BackboneOffline() time.Duration {
	return time.Duration(t.BackboneOfflineSec) * time.Second
}

// OfflineRepeat returns the outage reminder interval.
// Params: none.
// Returns: repeat duration.
func (t ThresholdConfig) OfflineRepeat() time.Duration {
	return time.Duration(t.OfflineRepeatSec) * time.Second
}

// FlapWindow returns the flap sliding window width.
// Params: none.
// Returns: window duration.
func (t ThresholdConfig) FlapWindow() time.Duration {
	return time.Duration(t.FlapWindowSec) * time.Second
}

// FlapSuppress returns the flap alert suppression window.
// Params: none.
// Returns: suppression duration.
func (t ThresholdConfig) FlapSuppress() time.Duration {
	return time.Duration(t.FlapSuppressSec) * time.Second
}

// LatencySuppress returns the latency alert suppression window.
// Params: none.
// Returns: suppression duration.
func (t ThresholdConfig) LatencySuppress() time.Duration {
	return time.Duration(t.LatencySuppressSec) * time.Second
}

// Window returns the probe sampler window width.
// Params: none.
// Returns: window duration.
func (p ProbeConfig) Window() time.Duration {
	return time.Duration(p.WindowSec) * time.Second
}

// MinInterval returns the per-device probe cooldown.
// Params: none.
// Returns: cooldown duration.
func (p ProbeConfig) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalSec) * time.Second
}

// ProbeTimeout returns one active probe timeout.
// Params: none.
// Returns: timeout duration.
func (p ProbeConfig) ProbeTimeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Retention returns the history retention window.
// Params: none.
// Returns: retention duration.
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// StaleStateTTL returns the quiet-state eviction TTL (0 disables eviction).
// Params: none.
// Returns: eviction TTL duration.
func (s ServiceConfig) StaleStateTTL() time.Duration {
	if s.StaleStateTTLDays < 0 {
		return 0
	}
	return time.Duration(s.StaleStateTTLDays) * 24 * time.Hour
}

// PollInterval returns the optional scheduled reconcile cadence (0 disables).
// Params: none.
// Returns: poll interval duration.
func (s ServiceConfig) PollInterval() time.Duration {
	if s.PollIntervalSec <= 0 {
		return 0
	}
	return time.Duration(s.PollIntervalSec) * time.Second
}

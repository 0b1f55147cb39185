package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultMetricsPath       = "/metrics"
	defaultIngestPath        = "/ingest"
	defaultOccurrencesPath   = "/occurrences"
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubject       = "fleetmon.events"
	defaultNATSStream        = "FLEETMON_EVENTS"
	defaultNATSConsumer      = "fleetmon-ingest"
	defaultNATSGroup         = "fleetmon-workers"
	defaultNATSAckWaitSec    = 30
	defaultNATSNackDelayMS   = 1000
	defaultNATSMaxDeliver    = -1
	defaultNATSMaxAckPending = 2048
	defaultKafkaGroupID      = "fleetmon"
	defaultStateBucket       = "fleetmon_state"
	defaultInvalidateSubject = "fleetmon.config.invalidate.>"
	defaultInvalidateQueue   = "fleetmon-invalidate"
	defaultSweepIntervalSec  = 5
	defaultGracePeriodSec    = 900
	defaultRulesTTLSec       = 5
	defaultChannelsTTLSec    = 5
	defaultAgentsTTLSec      = 30
	defaultQueueSize         = 1024
	defaultDispatchWorkers   = 4
	defaultRetryBaseMS       = 5000
	defaultRetryCapMS        = 80000
	defaultRetryMaxAttempts  = 5
	defaultWebhookTimeoutSec = 10
	defaultEmailTimeoutSec   = 10
	defaultHistoryLimitMax   = 500
	defaultDispatchSubject   = "fleetmon.dispatch"
	defaultDispatchStream    = "FLEETMON_DISPATCH"
	defaultDispatchConsumer  = "fleetmon-dispatch"
	defaultDispatchGroup     = "fleetmon-dispatchers"
	defaultDLQSubject        = "fleetmon.dispatch.dlq"

	// ServiceModeSingle keeps in-process state and dispatch queue.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps JetStream-backed state and dispatch queue.
	ServiceModeNATS = "nats"

	// RegistryBackendStatic reads rules/channels/agents from the TOML snapshot.
	RegistryBackendStatic = "static"
	// RegistryBackendPostgres reads the tables managed by the external config API.
	RegistryBackendPostgres = "postgres"

	// OccurrenceBackendMemory keeps occurrences in process memory.
	OccurrenceBackendMemory = "memory"
	// OccurrenceBackendPostgres persists occurrences and delivery attempts in Postgres.
	OccurrenceBackendPostgres = "postgres"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig     `toml:"service"`
	Log         LogConfig         `toml:"log"`
	Ingest      IngestConfig      `toml:"ingest"`
	Registry    RegistryConfig    `toml:"registry"`
	State       StateConfig       `toml:"state"`
	Occurrences OccurrencesConfig `toml:"occurrences"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, sweep timing, and rule-state grace window.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                string `toml:"name"`
	Mode                string `toml:"mode"`
	SweepIntervalSec    int    `toml:"sweep_interval_sec"`
	StateGracePeriodSec int    `toml:"state_grace_period_sec"`
}

// LogConfig selects log sinks.
// Params: console and file sink settings.
// Returns: logger construction input.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one log sink.
// Params: enable flag, level, format, and file path for file sink.
// Returns: sink behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound event interfaces.
// Params: embedded HTTP, NATS, and Kafka source controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP  HTTPIngestConfig  `toml:"http"`
	NATS  NATSIngestConfig  `toml:"nats"`
	Kafka KafkaIngestConfig `toml:"kafka"`
}

// HTTPIngestConfig configures the HTTP listener.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled         bool   `toml:"enabled"`
	Listen          string `toml:"listen"`
	HealthPath      string `toml:"health_path"`
	ReadyPath       string `toml:"ready_path"`
	MetricsPath     string `toml:"metrics_path"`
	IngestPath      string `toml:"ingest_path"`
	OccurrencesPath string `toml:"occurrences_path"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection and ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// KafkaIngestConfig configures the optional Kafka reader source.
// Params: broker list, topic, and consumer group.
// Returns: Kafka ingest behavior.
type KafkaIngestConfig struct {
	Enabled  bool     `toml:"enabled"`
	Brokers  []string `toml:"brokers"`
	Topic    string   `toml:"topic"`
	GroupID  string   `toml:"group_id"`
	MinBytes int      `toml:"min_bytes"`
	MaxBytes int      `toml:"max_bytes"`
}

// RegistryConfig configures the group/rule/channel read surface.
// Params: backend selector, Postgres DSN, cache TTLs, and invalidation consumer.
// Returns: registry runtime options.
type RegistryConfig struct {
	Backend            string           `toml:"backend"`
	DSN                string           `toml:"dsn"`
	RulesTTLSec        int              `toml:"rules_ttl_sec"`
	ChannelsTTLSec     int              `toml:"channels_ttl_sec"`
	AgentsTTLSec       int              `toml:"agents_ttl_sec"`
	InvalidateEnabled  bool             `toml:"invalidate_enabled"`
	InvalidateSubject  string           `toml:"-"`
	InvalidateQueue    string           `toml:"-"`
	StaticRules        []StaticRule     `toml:"rule"`
	StaticChannels     []StaticChannel  `toml:"channel"`
	StaticAgentGroups  map[string]string `toml:"agent_groups"`
	StaticGroupAccount map[string]string `toml:"group_accounts"`
}

// StaticRule is one rule definition for the static registry backend.
// Params: rule fields mirroring the config-store schema.
// Returns: static registry rule entry.
type StaticRule struct {
	ID            string `toml:"id"`
	GroupID       string `toml:"group_id"`
	Name          string `toml:"name"`
	Metric        string `toml:"metric"`
	Operator      string `toml:"operator"`
	Threshold     string `toml:"threshold"`
	Severity      string `toml:"severity"`
	WindowSeconds int    `toml:"window_seconds"`
	Enabled       bool   `toml:"enabled"`
}

// StaticChannel is one channel definition for the static registry backend.
// Params: channel fields mirroring the config-store schema.
// Returns: static registry channel entry.
type StaticChannel struct {
	ID             string            `toml:"id"`
	GroupID        string            `toml:"group_id"`
	Type           string            `toml:"type"`
	Target         string            `toml:"target"`
	WebhookMethod  string            `toml:"webhook_method"`
	WebhookHeaders map[string]string `toml:"webhook_headers"`
	WebhookBody    string            `toml:"webhook_body"`
	Enabled        bool              `toml:"enabled"`
}

// StateConfig configures rule-state persistence.
// Params: NATS KV connection and bucket controls for nats mode.
// Returns: state backend options.
type StateConfig struct {
	URL                []string `toml:"url"`
	Bucket             string   `toml:"-"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// OccurrencesConfig configures occurrence and delivery-attempt persistence.
// Params: backend selector, Postgres DSN, and history query cap.
// Returns: occurrence store options.
type OccurrencesConfig struct {
	Backend         string `toml:"backend"`
	DSN             string `toml:"dsn"`
	HistoryLimitMax int    `toml:"history_limit_max"`
}

// DispatchConfig configures delivery execution.
// Params: queue sizing, worker count, retry policy, and channel transports.
// Returns: dispatcher runtime options.
type DispatchConfig struct {
	QueueSize      int                 `toml:"queue_size"`
	Workers        int                 `toml:"workers"`
	Retry          RetryConfig         `toml:"retry"`
	WebhookTimeout int                 `toml:"webhook_timeout_sec"`
	Email          EmailCourierConfig  `toml:"email"`
	Telegram       TelegramConfig      `toml:"telegram"`
	Queue          DispatchQueueConfig `toml:"queue"`
}

// RetryConfig is the shared delivery retry/backoff policy.
// Params: base/cap backoff and attempt limit.
// Returns: retry policy applied per (occurrence, channel).
type RetryConfig struct {
	BaseMS      int `toml:"base_ms"`
	CapMS       int `toml:"cap_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

// Backoff returns delay before the given attempt number (1-based; attempt 1
// has no delay).
// Params: attempt ordinal about to run.
// Returns: exponential backoff duration capped at CapMS.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(r.BaseMS) * time.Millisecond
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= time.Duration(r.CapMS)*time.Millisecond {
			return time.Duration(r.CapMS) * time.Millisecond
		}
	}
	cap := time.Duration(r.CapMS) * time.Millisecond
	if delay > cap {
		return cap
	}
	return delay
}

// EmailCourierConfig configures the HTTP mail-relay courier.
// Params: relay endpoint, sender identity, and per-attempt timeout.
// Returns: email transport options.
type EmailCourierConfig struct {
	RelayURL   string            `toml:"relay_url"`
	From       string            `toml:"from"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
}

// TelegramConfig configures the Telegram bot transport.
// Params: bot token and optional API base override.
// Returns: Telegram transport options.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
	APIBase  string `toml:"api_base"`
}

// DispatchQueueConfig configures the JetStream dispatch queue in nats mode.
// Params: ack/redelivery policy and DLQ toggle; routing keys are runtime-fixed.
// Returns: dispatch queue behavior.
type DispatchQueueConfig struct {
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	DLQSubject    string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQEnabled    bool     `toml:"dlq_enabled"`
}

// ConfigSource points to one file or one directory of TOML fragments.
// Params: exactly one of FilePath/DirPath set.
// Returns: load target for LoadSnapshot.
type ConfigSource struct {
	FilePath string
	DirPath  string
}

// FromCLI validates CLI flags into a config source.
// Params: --config-file and --config-dir values.
// Returns: source or usage error when neither/both are set.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	file := strings.TrimSpace(filePath)
	dir := strings.TrimSpace(dirPath)
	if (file == "") == (dir == "") {
		return ConfigSource{}, errors.New("exactly one of --config-file or --config-dir is required")
	}
	return ConfigSource{FilePath: file, DirPath: dir}, nil
}

// LoadSnapshot loads, merges, defaults, and validates one config snapshot.
// Params: config source from CLI.
// Returns: validated config or load error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var (
		cfg Config
		err error
	)
	if src.FilePath != "" {
		cfg, err = loadFile(src.FilePath)
	} else {
		cfg, err = loadDir(src.DirPath)
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

// loadFile decodes one TOML file.
// Params: file path.
// Returns: decoded config or decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	decoder := toml.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir merges lexically-ordered TOML fragments from one directory.
// Later fragments override scalar fields and extend static registry lists.
// Params: directory path.
// Returns: merged config or load error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return Config{}, fmt.Errorf("config dir %q contains no .toml files", dir)
	}
	sort.Strings(names)

	var merged Config
	for i, name := range names {
		fragment, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return Config{}, err
		}
		if i == 0 {
			merged = fragment
			continue
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays non-zero fragment fields onto destination.
// Params: destination pointer and source fragment.
// Returns: destination mutated in place.
func mergeConfig(dst *Config, src Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.Mode != "" {
		dst.Service.Mode = src.Service.Mode
	}
	if src.Service.SweepIntervalSec > 0 {
		dst.Service.SweepIntervalSec = src.Service.SweepIntervalSec
	}
	if src.Service.StateGracePeriodSec > 0 {
		dst.Service.StateGracePeriodSec = src.Service.StateGracePeriodSec
	}
	if src.Log.Console != (LogSinkConfig{}) {
		dst.Log.Console = src.Log.Console
	}
	if src.Log.File != (LogSinkConfig{}) {
		dst.Log.File = src.Log.File
	}
	if src.Ingest.HTTP != (HTTPIngestConfig{}) {
		dst.Ingest.HTTP = src.Ingest.HTTP
	}
	if src.Ingest.NATS.Enabled || len(src.Ingest.NATS.URL) > 0 {
		dst.Ingest.NATS = src.Ingest.NATS
	}
	if src.Ingest.Kafka.Enabled || len(src.Ingest.Kafka.Brokers) > 0 {
		dst.Ingest.Kafka = src.Ingest.Kafka
	}
	if src.Registry.Backend != "" {
		dst.Registry.Backend = src.Registry.Backend
	}
	if src.Registry.DSN != "" {
		dst.Registry.DSN = src.Registry.DSN
	}
	if src.Registry.RulesTTLSec > 0 {
		dst.Registry.RulesTTLSec = src.Registry.RulesTTLSec
	}
	if src.Registry.ChannelsTTLSec > 0 {
		dst.Registry.ChannelsTTLSec = src.Registry.ChannelsTTLSec
	}
	if src.Registry.AgentsTTLSec > 0 {
		dst.Registry.AgentsTTLSec = src.Registry.AgentsTTLSec
	}
	if src.Registry.InvalidateEnabled {
		dst.Registry.InvalidateEnabled = true
	}
	dst.Registry.StaticRules = append(dst.Registry.StaticRules, src.Registry.StaticRules...)
	dst.Registry.StaticChannels = append(dst.Registry.StaticChannels, src.Registry.StaticChannels...)
	for agentID, groupID := range src.Registry.StaticAgentGroups {
		if dst.Registry.StaticAgentGroups == nil {
			dst.Registry.StaticAgentGroups = make(map[string]string)
		}
		dst.Registry.StaticAgentGroups[agentID] = groupID
	}
	for groupID, accountID := range src.Registry.StaticGroupAccount {
		if dst.Registry.StaticGroupAccount == nil {
			dst.Registry.StaticGroupAccount = make(map[string]string)
		}
		dst.Registry.StaticGroupAccount[groupID] = accountID
	}
	if len(src.State.URL) > 0 {
		dst.State.URL = src.State.URL
	}
	if src.State.AllowCreateBuckets {
		dst.State.AllowCreateBuckets = true
	}
	if src.Occurrences.Backend != "" {
		dst.Occurrences.Backend = src.Occurrences.Backend
	}
	if src.Occurrences.DSN != "" {
		dst.Occurrences.DSN = src.Occurrences.DSN
	}
	if src.Occurrences.HistoryLimitMax > 0 {
		dst.Occurrences.HistoryLimitMax = src.Occurrences.HistoryLimitMax
	}
	mergeDispatch(&dst.Dispatch, src.Dispatch)
}

// mergeDispatch overlays non-zero dispatch fragment fields.
// Params: destination pointer and source fragment.
// Returns: destination mutated in place.
func mergeDispatch(dst *DispatchConfig, src DispatchConfig) {
	if src.QueueSize > 0 {
		dst.QueueSize = src.QueueSize
	}
	if src.Workers > 0 {
		dst.Workers = src.Workers
	}
	if src.Retry != (RetryConfig{}) {
		dst.Retry = src.Retry
	}
	if src.WebhookTimeout > 0 {
		dst.WebhookTimeout = src.WebhookTimeout
	}
	if src.Email.RelayURL != "" {
		dst.Email = src.Email
	}
	if src.Telegram.BotToken != "" {
		dst.Telegram = src.Telegram
	}
	if len(src.Queue.URL) > 0 || src.Queue.AckWaitSec > 0 || src.Queue.DLQEnabled {
		dst.Queue = src.Queue
	}
}

// applyDefaults fills unset fields after decode/merge.
// Params: mutable config pointer.
// Returns: config mutated in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "fleetmon"
	}
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	cfg.Service.Mode = strings.ToLower(strings.TrimSpace(cfg.Service.Mode))
	if cfg.Service.SweepIntervalSec <= 0 {
		cfg.Service.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Service.StateGracePeriodSec <= 0 {
		cfg.Service.StateGracePeriodSec = defaultGracePeriodSec
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

	if cfg.Ingest.HTTP.Listen == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if cfg.Ingest.HTTP.HealthPath == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.Ingest.HTTP.ReadyPath == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.Ingest.HTTP.MetricsPath == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.Ingest.HTTP.IngestPath == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if cfg.Ingest.HTTP.OccurrencesPath == "" {
		cfg.Ingest.HTTP.OccurrencesPath = defaultOccurrencesPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 1 << 20
	}

	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	cfg.Ingest.NATS.Subject = defaultNATSSubject
	cfg.Ingest.NATS.Stream = defaultNATSStream
	cfg.Ingest.NATS.ConsumerName = defaultNATSConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultNATSGroup
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	if cfg.Ingest.Kafka.GroupID == "" {
		cfg.Ingest.Kafka.GroupID = defaultKafkaGroupID
	}
	if cfg.Ingest.Kafka.MinBytes <= 0 {
		cfg.Ingest.Kafka.MinBytes = 1
	}
	if cfg.Ingest.Kafka.MaxBytes <= 0 {
		cfg.Ingest.Kafka.MaxBytes = 10 << 20
	}

	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = RegistryBackendStatic
	}
	cfg.Registry.Backend = strings.ToLower(strings.TrimSpace(cfg.Registry.Backend))
	if cfg.Registry.RulesTTLSec <= 0 {
		cfg.Registry.RulesTTLSec = defaultRulesTTLSec
	}
	if cfg.Registry.ChannelsTTLSec <= 0 {
		cfg.Registry.ChannelsTTLSec = defaultChannelsTTLSec
	}
	if cfg.Registry.AgentsTTLSec <= 0 {
		cfg.Registry.AgentsTTLSec = defaultAgentsTTLSec
	}
	cfg.Registry.InvalidateSubject = defaultInvalidateSubject
	cfg.Registry.InvalidateQueue = defaultInvalidateQueue

	cfg.State.URL = normalizeNATSURLs(cfg.State.URL)
	if len(cfg.State.URL) == 0 {
		cfg.State.URL = cfg.Ingest.NATS.URL
	}
	cfg.State.Bucket = defaultStateBucket

	if cfg.Occurrences.Backend == "" {
		cfg.Occurrences.Backend = OccurrenceBackendMemory
	}
	cfg.Occurrences.Backend = strings.ToLower(strings.TrimSpace(cfg.Occurrences.Backend))
	if cfg.Occurrences.HistoryLimitMax <= 0 {
		cfg.Occurrences.HistoryLimitMax = defaultHistoryLimitMax
	}

	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = defaultQueueSize
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = defaultDispatchWorkers
	}
	if cfg.Dispatch.Retry.BaseMS <= 0 {
		cfg.Dispatch.Retry.BaseMS = defaultRetryBaseMS
	}
	if cfg.Dispatch.Retry.CapMS <= 0 {
		cfg.Dispatch.Retry.CapMS = defaultRetryCapMS
	}
	if cfg.Dispatch.Retry.MaxAttempts <= 0 {
		cfg.Dispatch.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if cfg.Dispatch.WebhookTimeout <= 0 {
		cfg.Dispatch.WebhookTimeout = defaultWebhookTimeoutSec
	}
	if cfg.Dispatch.Email.TimeoutSec <= 0 {
		cfg.Dispatch.Email.TimeoutSec = defaultEmailTimeoutSec
	}
	cfg.Dispatch.Queue.URL = normalizeNATSURLs(cfg.Dispatch.Queue.URL)
	if len(cfg.Dispatch.Queue.URL) == 0 {
		cfg.Dispatch.Queue.URL = cfg.Ingest.NATS.URL
	}
	cfg.Dispatch.Queue.Subject = defaultDispatchSubject
	cfg.Dispatch.Queue.Stream = defaultDispatchStream
	cfg.Dispatch.Queue.ConsumerName = defaultDispatchConsumer
	cfg.Dispatch.Queue.DeliverGroup = defaultDispatchGroup
	cfg.Dispatch.Queue.DLQSubject = defaultDLQSubject
	if cfg.Dispatch.Queue.AckWaitSec <= 0 {
		cfg.Dispatch.Queue.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Dispatch.Queue.NackDelayMS <= 0 {
		cfg.Dispatch.Queue.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Dispatch.Queue.MaxDeliver == 0 {
		cfg.Dispatch.Queue.MaxDeliver = defaultRetryMaxAttempts
	}
	if cfg.Dispatch.Queue.MaxAckPending <= 0 {
		cfg.Dispatch.Queue.MaxAckPending = defaultNATSMaxAckPending
	}
}

// validateConfig checks merged config invariants.
// Params: defaulted config snapshot.
// Returns: first violated constraint with field path.
func validateConfig(cfg Config) error {
	switch cfg.Service.Mode {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("service.mode: unsupported value %q", cfg.Service.Mode)
	}

	for _, sink := range []struct {
		name string
		cfg  LogSinkConfig
	}{{"console", cfg.Log.Console}, {"file", cfg.Log.File}} {
		if !sink.cfg.Enabled {
			continue
		}
		switch sink.cfg.Format {
		case "line", "json":
		default:
			return fmt.Errorf("log.%s.format: unsupported value %q", sink.name, sink.cfg.Format)
		}
		if sink.name == "file" && strings.TrimSpace(sink.cfg.Path) == "" {
			return errors.New("log.file.path is required when file sink is enabled")
		}
	}

	if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled && !cfg.Ingest.Kafka.Enabled {
		return errors.New("ingest: at least one of http/nats/kafka must be enabled")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 {
			return errors.New("ingest.kafka.brokers is required")
		}
		if strings.TrimSpace(cfg.Ingest.Kafka.Topic) == "" {
			return errors.New("ingest.kafka.topic is required")
		}
	}

	switch cfg.Registry.Backend {
	case RegistryBackendStatic:
	case RegistryBackendPostgres:
		if strings.TrimSpace(cfg.Registry.DSN) == "" {
			return errors.New("registry.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("registry.backend: unsupported value %q", cfg.Registry.Backend)
	}

	switch cfg.Occurrences.Backend {
	case OccurrenceBackendMemory:
	case OccurrenceBackendPostgres:
		if strings.TrimSpace(cfg.Occurrences.DSN) == "" {
			return errors.New("occurrences.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("occurrences.backend: unsupported value %q", cfg.Occurrences.Backend)
	}

	if cfg.Registry.InvalidateEnabled && cfg.Service.Mode == ServiceModeSingle {
		return errors.New("registry.invalidate_enabled requires service.mode=nats")
	}

	for i, rule := range cfg.Registry.StaticRules {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("registry.rule[%d]: id is required", i)
		}
		if rule.WindowSeconds < 1 {
			return fmt.Errorf("registry.rule[%d] %q: window_seconds must be >=1", i, rule.ID)
		}
	}
	for i, channel := range cfg.Registry.StaticChannels {
		if strings.TrimSpace(channel.ID) == "" {
			return fmt.Errorf("registry.channel[%d]: id is required", i)
		}
		switch strings.ToLower(strings.TrimSpace(channel.Type)) {
		case "email", "webhook", "telegram":
		default:
			return fmt.Errorf("registry.channel[%d] %q: unsupported type %q", i, channel.ID, channel.Type)
		}
	}

	return nil
}

// normalizeNATSURLs trims and drops empty URL entries.
// Params: raw URL list from TOML.
// Returns: cleaned list preserving order.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

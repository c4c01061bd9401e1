package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Cache         CacheConfig         `yaml:"cache"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Storage       StorageConfig       `yaml:"storage"`
	Export        ExportConfig        `yaml:"export"`
	Retention     RetentionConfig     `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ProxyConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Routes          []RouteConfig `yaml:"routes"`
	CaptureMaxBytes int           `yaml:"capture_max_bytes"`
}

func (c ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RouteConfig struct {
	Name     string `yaml:"name"`
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`
}

type PipelineConfig struct {
	Workers         int `yaml:"workers"`
	QueueCapacity   int `yaml:"queue_capacity"`
	ShutdownGraceMS int `yaml:"shutdown_grace_ms"`
}

type CacheConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	DB          int    `yaml:"db"`
	Password    string `yaml:"password"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
	OpTimeoutMS int    `yaml:"op_timeout_ms"`
}

type BufferConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Stream       string `yaml:"stream"`
	MaxLen       int64  `yaml:"max_len"`
	PreviewBytes int    `yaml:"preview_bytes"`
}

type StorageConfig struct {
	Driver   string      `yaml:"driver"`
	Path     string      `yaml:"path"`
	DSN      string      `yaml:"dsn"`
	MaxConns int         `yaml:"max_conns"`
	Retry    RetryConfig `yaml:"retry"`
}

type ExportConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Endpoint  string            `yaml:"endpoint"`
	Insecure  bool              `yaml:"insecure"`
	Headers   map[string]string `yaml:"headers"`
	QueueSize int               `yaml:"queue_size"`
	BatchSize int               `yaml:"batch_size"`
	Retry     RetryConfig       `yaml:"retry"`
}

// RetryConfig describes a bounded exponential backoff: delays start at
// base, double per attempt, and never exceed max.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type RetentionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Schedule   string `yaml:"schedule"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxRows    int64  `yaml:"max_rows"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "flowscribe"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8700,
		},
		Proxy: ProxyConfig{
			Host: "0.0.0.0",
			Port: 8701,
			Routes: []RouteConfig{
				{Name: "openai", Prefix: "/openai", Upstream: "https://api.openai.com"},
				{Name: "anthropic", Prefix: "/anthropic", Upstream: "https://api.anthropic.com"},
			},
			CaptureMaxBytes: 1 << 20,
		},
		Pipeline: PipelineConfig{
			Workers:         0, // 0 means GOMAXPROCS at startup
			QueueCapacity:   256,
			ShutdownGraceMS: 5000,
		},
		Cache: CacheConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			DB:          0,
			TTLSeconds:  300,
			OpTimeoutMS: 150,
		},
		Buffer: BufferConfig{
			Enabled:      false,
			Stream:       "flowscribe:api_traffic",
			MaxLen:       10000,
			PreviewBytes: 2048,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/flowscribe.db",
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelayMS: 100,
				MaxDelayMS:  5000,
			},
		},
		Export: ExportConfig{
			Enabled:   false,
			Endpoint:  "localhost:4318",
			Insecure:  true,
			QueueSize: 1024,
			BatchSize: 64,
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelayMS: 200,
				MaxDelayMS:  10000,
			},
		},
		Retention: RetentionConfig{
			Enabled:    false,
			Schedule:   "0 3 * * *",
			MaxAgeDays: 30,
			MaxRows:    0,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if cfg.Proxy.Port <= 0 || cfg.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be between 1 and 65535 (got %d)", cfg.Proxy.Port)
	}
	if cfg.Proxy.CaptureMaxBytes <= 0 {
		return fmt.Errorf("proxy.capture_max_bytes must be > 0 (got %d)", cfg.Proxy.CaptureMaxBytes)
	}
	if len(cfg.Proxy.Routes) == 0 {
		return errors.New("proxy.routes must define at least one route")
	}
	for idx, route := range cfg.Proxy.Routes {
		if err := validateRoute(fmt.Sprintf("proxy.routes[%d]", idx), route); err != nil {
			return err
		}
	}

	if cfg.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must be >= 0 (got %d)", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("pipeline.queue_capacity must be > 0 (got %d)", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.ShutdownGraceMS <= 0 {
		return fmt.Errorf("pipeline.shutdown_grace_ms must be > 0 (got %d)", cfg.Pipeline.ShutdownGraceMS)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}
	if err := validateRetry("storage.retry", cfg.Storage.Retry); err != nil {
		return err
	}

	if cfg.Cache.Enabled {
		if strings.TrimSpace(cfg.Cache.Addr) == "" {
			return errors.New("cache.addr is required when cache.enabled=true")
		}
		if cfg.Cache.TTLSeconds <= 0 {
			return fmt.Errorf("cache.ttl_seconds must be > 0 (got %d)", cfg.Cache.TTLSeconds)
		}
		if cfg.Cache.OpTimeoutMS <= 0 {
			return fmt.Errorf("cache.op_timeout_ms must be > 0 (got %d)", cfg.Cache.OpTimeoutMS)
		}
	}

	if cfg.Buffer.Enabled {
		if !cfg.Cache.Enabled {
			return errors.New("buffer.enabled requires cache.enabled (shares the key-value store client)")
		}
		if strings.TrimSpace(cfg.Buffer.Stream) == "" {
			return errors.New("buffer.stream is required when buffer.enabled=true")
		}
		if cfg.Buffer.MaxLen <= 0 {
			return fmt.Errorf("buffer.max_len must be > 0 (got %d)", cfg.Buffer.MaxLen)
		}
	}

	if cfg.Export.Enabled {
		if strings.TrimSpace(cfg.Export.Endpoint) == "" {
			return errors.New("export.endpoint is required when export.enabled=true")
		}
		if cfg.Export.QueueSize <= 0 {
			return fmt.Errorf("export.queue_size must be > 0 (got %d)", cfg.Export.QueueSize)
		}
		if cfg.Export.BatchSize <= 0 {
			return fmt.Errorf("export.batch_size must be > 0 (got %d)", cfg.Export.BatchSize)
		}
		if err := validateRetry("export.retry", cfg.Export.Retry); err != nil {
			return err
		}
	}

	if cfg.Retention.Enabled {
		if strings.TrimSpace(cfg.Retention.Schedule) == "" {
			return errors.New("retention.schedule is required when retention.enabled=true")
		}
		if cfg.Retention.MaxAgeDays <= 0 && cfg.Retention.MaxRows <= 0 {
			return errors.New("retention requires max_age_days and/or max_rows when enabled")
		}
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of text, json (got %q)", cfg.Logging.Format)
	}

	return nil
}

func validateRoute(name string, route RouteConfig) error {
	prefix := strings.TrimSpace(route.Prefix)
	if prefix == "" {
		return fmt.Errorf("%s.prefix is required", name)
	}
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("%s.prefix must start with '/' (got %q)", name, route.Prefix)
	}

	upstream := strings.TrimSpace(route.Upstream)
	if upstream == "" {
		return fmt.Errorf("%s.upstream is required", name)
	}
	parsed, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("parse %s.upstream: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s.upstream must include scheme and host (got %q)", name, route.Upstream)
	}

	return nil
}

func validateRetry(name string, retry RetryConfig) error {
	if retry.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be > 0 (got %d)", name, retry.MaxAttempts)
	}
	if retry.BaseDelayMS <= 0 {
		return fmt.Errorf("%s.base_delay_ms must be > 0 (got %d)", name, retry.BaseDelayMS)
	}
	if retry.MaxDelayMS < retry.BaseDelayMS {
		return fmt.Errorf("%s.max_delay_ms must be >= base_delay_ms (got %d < %d)", name, retry.MaxDelayMS, retry.BaseDelayMS)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("FLOWSCRIBE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("FLOWSCRIBE_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_PORT: %w", err)
		}
		cfg.Server.Port = v
	}
	if token := os.Getenv("FLOWSCRIBE_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}

	if host := os.Getenv("FLOWSCRIBE_PROXY_HOST"); host != "" {
		cfg.Proxy.Host = host
	}
	if port := os.Getenv("FLOWSCRIBE_PROXY_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_PROXY_PORT: %w", err)
		}
		cfg.Proxy.Port = v
	}
	if maxBytes := os.Getenv("FLOWSCRIBE_CAPTURE_MAX_BYTES"); maxBytes != "" {
		v, err := strconv.Atoi(maxBytes)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_CAPTURE_MAX_BYTES: %w", err)
		}
		cfg.Proxy.CaptureMaxBytes = v
	}

	if workers := os.Getenv("FLOWSCRIBE_WORKERS"); workers != "" {
		v, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_WORKERS: %w", err)
		}
		cfg.Pipeline.Workers = v
	}
	if capacity := os.Getenv("FLOWSCRIBE_QUEUE_CAPACITY"); capacity != "" {
		v, err := strconv.Atoi(capacity)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_QUEUE_CAPACITY: %w", err)
		}
		cfg.Pipeline.QueueCapacity = v
	}

	if storageDriver := os.Getenv("FLOWSCRIBE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("FLOWSCRIBE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("FLOWSCRIBE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if cacheAddr := os.Getenv("FLOWSCRIBE_CACHE_ADDR"); cacheAddr != "" {
		cfg.Cache.Addr = cacheAddr
		cfg.Cache.Enabled = true
	}
	if cacheEnabled := os.Getenv("FLOWSCRIBE_CACHE_ENABLED"); cacheEnabled != "" {
		v, err := strconv.ParseBool(cacheEnabled)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_CACHE_ENABLED: %w", err)
		}
		cfg.Cache.Enabled = v
	}
	if cacheTTL := os.Getenv("FLOWSCRIBE_CACHE_TTL_SECONDS"); cacheTTL != "" {
		v, err := strconv.Atoi(cacheTTL)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_CACHE_TTL_SECONDS: %w", err)
		}
		cfg.Cache.TTLSeconds = v
	}

	if bufferEnabled := os.Getenv("FLOWSCRIBE_BUFFER_ENABLED"); bufferEnabled != "" {
		v, err := strconv.ParseBool(bufferEnabled)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_BUFFER_ENABLED: %w", err)
		}
		cfg.Buffer.Enabled = v
	}
	if stream := os.Getenv("FLOWSCRIBE_BUFFER_STREAM"); stream != "" {
		cfg.Buffer.Stream = stream
	}

	if exportEnabled := os.Getenv("FLOWSCRIBE_EXPORT_ENABLED"); exportEnabled != "" {
		v, err := strconv.ParseBool(exportEnabled)
		if err != nil {
			return fmt.Errorf("invalid FLOWSCRIBE_EXPORT_ENABLED: %w", err)
		}
		cfg.Export.Enabled = v
	}
	if endpoint := os.Getenv("FLOWSCRIBE_EXPORT_ENDPOINT"); endpoint != "" {
		cfg.Export.Endpoint = endpoint
	}

	if level := os.Getenv("FLOWSCRIBE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("FLOWSCRIBE_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	return applyOTelEnv(cfg)
}

// applyOTelEnv honors the standard OTEL_* environment variables for the
// runtime telemetry pipeline, mirroring the SDK's own conventions.
func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

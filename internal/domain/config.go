package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Source     SourceConfig     `json:"source"`
	Assess     AssessConfig     `json:"assess"`
	Query      QueryConfig      `json:"query"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// AssessConfig tunes the merge loop and termination policy.
type AssessConfig struct {
	// MaxSaveAttempts bounds optimistic-concurrency retries in the merge
	// loop; 0 retries until the context is cancelled.
	MaxSaveAttempts int `json:"maxSaveAttempts"`

	// RetryBase is the initial backoff between save attempts.
	RetryBase time.Duration `json:"retryBase"`

	// TerminationCutover: records created before this date never get the
	// terminated flag recomputed.
	TerminationCutover string `json:"terminationCutover"`
}

// QueryConfig tunes the read API.
type QueryConfig struct {
	// MaxListLimit caps the page size of list endpoints.
	MaxListLimit int `json:"maxListLimit"`

	// ReportItemsLimit caps rows in a CSV report.
	ReportItemsLimit int `json:"reportItemsLimit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns a single-process configuration: SQLite, in-memory
// cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:       "sqlite",
			SQLitePath:   "./harrier.db",
			QueryTimeout: 10 * time.Second,
			CountHorizon: 100000,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Source: SourceConfig{
			BaseURL:      "https://public-api.prozorro.gov.ua/api/2.5",
			RatesURL:     "https://bank.gov.ua/NBUStatService/v1/statdirectory/exchange",
			Timeout:      30 * time.Second,
			MaxRetries:   20,
			BackoffShort: time.Second,
			BackoffLong:  30 * time.Second,
		},
		Assess: AssessConfig{
			MaxSaveAttempts:    0,
			RetryBase:          time.Second,
			TerminationCutover: "2024-01-24",
		},
		Query: QueryConfig{
			MaxListLimit:     100,
			ReportItemsLimit: 100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ClusterConfig returns a multi-instance configuration: PostgreSQL, Redis
// two-phase cache, NATS bus.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository.Driver = "postgres"
	cfg.Repository.PostgresHost = "localhost"
	cfg.Repository.PostgresPort = 5432
	cfg.Repository.PostgresDB = "harrier"
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

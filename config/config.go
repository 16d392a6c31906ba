package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Master   Endpoint
	Replicas []Endpoint
	Tables   Tables
	// Schemas limits introspection scope. Defaults to the schemas named by
	// the configured tables.
	Schemas []string

	SyncInterval   time.Duration
	CycleTimeout   time.Duration
	SchemaCacheTTL time.Duration
	Concurrency    int
	BatchSize      int

	MaxRetryAttempts       uint
	BackoffBase            time.Duration
	MaxConsecutiveFailures int

	PoolSize       int
	AcquireTimeout time.Duration

	AutoSetupReplicas    bool
	CreateMissingSchemas bool
	CreateMissingTables  bool

	StateDir string
	Logger   LoggerConfig
}

type LoggerConfig struct {
	LogLevel logrus.Level
}

type Option func(*Config)

func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	c.SetDefault()
	return c
}

func WithMaster(master Endpoint) Option {
	return func(c *Config) {
		c.Master = master
	}
}

func WithReplicas(replicas ...Endpoint) Option {
	return func(c *Config) {
		c.Replicas = append(c.Replicas, replicas...)
	}
}

func WithTables(tables ...Table) Option {
	return func(c *Config) {
		c.Tables = append(c.Tables, tables...)
	}
}

func WithSyncInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SyncInterval = interval
	}
}

func WithCycleTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CycleTimeout = timeout
	}
}

func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Concurrency = n
	}
}

func WithBatchSize(n int) Option {
	return func(c *Config) {
		c.BatchSize = n
	}
}

func WithMaxRetryAttempts(n uint) Option {
	return func(c *Config) {
		c.MaxRetryAttempts = n
	}
}

func WithBackoffBase(d time.Duration) Option {
	return func(c *Config) {
		c.BackoffBase = d
	}
}

func WithMaxConsecutiveFailures(n int) Option {
	return func(c *Config) {
		c.MaxConsecutiveFailures = n
	}
}

func WithPoolSize(n int) Option {
	return func(c *Config) {
		c.PoolSize = n
	}
}

func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AcquireTimeout = d
	}
}

func WithAutoSetupReplicas(enabled bool) Option {
	return func(c *Config) {
		c.AutoSetupReplicas = enabled
	}
}

func WithCreateMissingSchemas(enabled bool) Option {
	return func(c *Config) {
		c.CreateMissingSchemas = enabled
	}
}

func WithCreateMissingTables(enabled bool) Option {
	return func(c *Config) {
		c.CreateMissingTables = enabled
	}
}

func WithStateDir(dir string) Option {
	return func(c *Config) {
		c.StateDir = dir
	}
}

func WithLogLevel(level logrus.Level) Option {
	return func(c *Config) {
		c.Logger.LogLevel = level
	}
}

func (c *Config) SetDefault() {
	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.CycleTimeout == 0 {
		c.CycleTimeout = c.SyncInterval
	}
	if c.SchemaCacheTTL == 0 {
		c.SchemaCacheTTL = 5 * time.Minute
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.PoolSize == 0 {
		c.PoolSize = 4
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.Logger.LogLevel == 0 {
		c.Logger.LogLevel = logrus.InfoLevel
	}

	c.Master.SetDefault()
	for i := range c.Replicas {
		c.Replicas[i].SetDefault()
	}
	if len(c.Schemas) == 0 {
		c.Schemas = c.Tables.Schemas()
	}
}

func (c *Config) Validate() error {
	var err error

	if vErr := c.Master.Validate(); vErr != nil {
		err = errors.Join(err, vErr)
	}
	if len(c.Replicas) == 0 {
		err = errors.Join(err, errors.New("at least one replica must be configured"))
	}

	seen := make(map[string]struct{}, len(c.Replicas)+1)
	seen[c.Master.Name] = struct{}{}
	for _, r := range c.Replicas {
		if vErr := r.Validate(); vErr != nil {
			err = errors.Join(err, vErr)
		}
		if _, dup := seen[r.Name]; dup {
			err = errors.Join(err, fmt.Errorf("endpoint name %q is not unique", r.Name))
		}
		seen[r.Name] = struct{}{}
	}

	if len(c.Tables) == 0 {
		err = errors.Join(err, errors.New("at least one table must be configured"))
	}
	if vErr := c.Tables.Validate(); vErr != nil {
		err = errors.Join(err, vErr)
	}

	if c.BatchSize < 1 {
		err = errors.Join(err, errors.New("batch size must be greater than 0"))
	}
	if c.Concurrency < 1 {
		err = errors.Join(err, errors.New("concurrency must be greater than 0"))
	}
	if c.MaxConsecutiveFailures < 1 {
		err = errors.Join(err, errors.New("max consecutive failures must be greater than 0"))
	}

	return err
}

// ReplicatedTables returns the configured tables with replication enabled.
func (c *Config) ReplicatedTables() Tables {
	out := make(Tables, 0, len(c.Tables))
	for _, t := range c.Tables {
		if t.Replicate {
			out = append(out, t)
		}
	}
	return out
}

func (c *Config) Print() {
	fmt.Printf("Config: Master=%s Replicas=%d Tables=%d Interval=%s Batch=%d\n",
		c.Master.Addr(), len(c.Replicas), len(c.Tables), c.SyncInterval, c.BatchSize)
}

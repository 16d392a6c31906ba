package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/snapflowio/dbsync/logger"
)

// fileDocument is the on-disk JSON configuration shape. Credentials may
// reference environment variables with ${VAR} syntax; a .env file next to
// the process, when present, is loaded first.
type fileDocument struct {
	Master      endpointDocument   `json:"master_database"`
	Replicas    []endpointDocument `json:"replica_databases"`
	Schemas     []schemaDocument   `json:"schemas_to_replicate"`
	Replication struct {
		SyncIntervalSeconds    int  `json:"sync_interval_seconds"`
		CycleTimeoutSeconds    int  `json:"cycle_timeout_seconds"`
		Concurrency            int  `json:"concurrency"`
		BatchSize              int  `json:"batch_size"`
		MaxRetryAttempts       uint `json:"max_retry_attempts"`
		BackoffBaseMS          int  `json:"backoff_base_ms"`
		MaxConsecutiveFailures int  `json:"max_consecutive_failures"`
		AutoSetupReplicas      bool `json:"auto_setup_replicas"`
		CreateMissingSchemas   bool `json:"create_missing_schemas"`
		CreateMissingTables    bool `json:"create_missing_tables"`
	} `json:"replication"`
	Monitoring struct {
		PoolSize              int `json:"pool_size"`
		AcquireTimeoutSeconds int `json:"acquire_timeout_seconds"`
	} `json:"monitoring"`
	Logging struct {
		Level string `json:"level"`
	} `json:"logging"`
	StateDir string `json:"state_dir"`
}

type endpointDocument struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

type schemaDocument struct {
	SchemaName string          `json:"schema_name"`
	Tables     []tableDocument `json:"tables"`
}

type tableDocument struct {
	TableName       string `json:"table_name"`
	PrimaryKey      string `json:"primary_key"`
	Replicate       *bool  `json:"replicate"`
	SyncMode        string `json:"sync_mode"`
	TimestampColumn string `json:"timestamp_column"`
}

// FromFile loads configuration from a JSON document, overlaying a .env
// file when one exists so credentials can stay out of the config file.
func FromFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env file", "error", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := &Config{
		Master:                 doc.Master.endpoint(),
		SyncInterval:           time.Duration(doc.Replication.SyncIntervalSeconds) * time.Second,
		CycleTimeout:           time.Duration(doc.Replication.CycleTimeoutSeconds) * time.Second,
		Concurrency:            doc.Replication.Concurrency,
		BatchSize:              doc.Replication.BatchSize,
		MaxRetryAttempts:       doc.Replication.MaxRetryAttempts,
		BackoffBase:            time.Duration(doc.Replication.BackoffBaseMS) * time.Millisecond,
		MaxConsecutiveFailures: doc.Replication.MaxConsecutiveFailures,
		AutoSetupReplicas:      doc.Replication.AutoSetupReplicas,
		CreateMissingSchemas:   doc.Replication.CreateMissingSchemas,
		CreateMissingTables:    doc.Replication.CreateMissingTables,
		PoolSize:               doc.Monitoring.PoolSize,
		AcquireTimeout:         time.Duration(doc.Monitoring.AcquireTimeoutSeconds) * time.Second,
		StateDir:               doc.StateDir,
		Logger:                 LoggerConfig{LogLevel: logger.ParseLevel(doc.Logging.Level)},
	}

	for _, r := range doc.Replicas {
		cfg.Replicas = append(cfg.Replicas, r.endpoint())
	}
	for _, s := range doc.Schemas {
		schemaName := s.SchemaName
		if schemaName == "" {
			schemaName = "public"
		}
		for _, t := range s.Tables {
			mode := SyncMode(t.SyncMode)
			if mode == "" {
				mode = SyncModeFull
			}
			replicate := t.Replicate == nil || *t.Replicate
			cfg.Tables = append(cfg.Tables, Table{
				Schema:          schemaName,
				Name:            t.TableName,
				PrimaryKey:      t.PrimaryKey,
				Replicate:       replicate,
				SyncMode:        mode,
				TimestampColumn: t.TimestampColumn,
			})
		}
	}

	cfg.SetDefault()
	return cfg, nil
}

func (d endpointDocument) endpoint() Endpoint {
	e := Endpoint{
		Name:     d.Name,
		Host:     os.ExpandEnv(d.Host),
		Port:     d.Port,
		Username: os.ExpandEnv(d.Username),
		Password: os.ExpandEnv(d.Password),
		Database: d.Database,
	}
	e.SetDefault()
	return e
}

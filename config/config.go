/*
Copyright 2025 Gare Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"GARE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"GARE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"GARE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"GARE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"GARE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"GARE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"GARE_DATA_SOURCE_DNS"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"GARE_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"GARE_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"GARE_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"GARE_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"GARE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"GARE_REDIS_SKIP_TLS_VERIFY"`
}

// StationConfig identifies this node inside the wider network. Secret is
// presented to the central server during link authentication; Address is the
// public endpoint advertised to peers after every reconnect.
type StationConfig struct {
	ID      string `json:"id" envconfig:"GARE_STATION_ID"`
	Name    string `json:"name" envconfig:"GARE_STATION_NAME"`
	Secret  string `json:"secret" envconfig:"GARE_STATION_SECRET"`
	Address string `json:"address" envconfig:"GARE_STATION_ADDRESS"`
}

// CentralConfig drives the upstream link. An empty URL leaves the station in
// standalone mode with the link disabled.
type CentralConfig struct {
	URL                  string `json:"url" envconfig:"GARE_CENTRAL_URL"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec" envconfig:"GARE_CENTRAL_HEARTBEAT_INTERVAL_SEC"`
	BackoffInitialMs     int    `json:"backoff_initial_ms" envconfig:"GARE_CENTRAL_BACKOFF_INITIAL_MS"`
	BackoffMaxMs         int    `json:"backoff_max_ms" envconfig:"GARE_CENTRAL_BACKOFF_MAX_MS"`
	AckTimeoutSec        int    `json:"ack_timeout_sec" envconfig:"GARE_CENTRAL_ACK_TIMEOUT_SEC"`
}

type CoordinatorConfig struct {
	LockTTLSec        int `json:"lock_ttl_sec" envconfig:"GARE_COORDINATOR_LOCK_TTL_SEC"`
	SweepIntervalSec  int `json:"sweep_interval_sec" envconfig:"GARE_COORDINATOR_SWEEP_INTERVAL_SEC"`
	MaxInFlight       int `json:"max_in_flight" envconfig:"GARE_COORDINATOR_MAX_IN_FLIGHT"`
	MaxPending        int `json:"max_pending" envconfig:"GARE_COORDINATOR_MAX_PENDING"`
	MaxRetries        int `json:"max_retries" envconfig:"GARE_COORDINATOR_MAX_RETRIES"`
	PriorityThreshold int `json:"priority_threshold" envconfig:"GARE_COORDINATOR_PRIORITY_THRESHOLD"`
}

type SnapshotConfig struct {
	TTLSec           int `json:"ttl_sec" envconfig:"GARE_SNAPSHOT_TTL_SEC"`
	SweepIntervalSec int `json:"sweep_interval_sec" envconfig:"GARE_SNAPSHOT_SWEEP_INTERVAL_SEC"`
}

// RealtimeConfig sizes the client pools and their outbound queues. FlushBatch
// bounds how many queued messages one flush tick may drain per client.
type RealtimeConfig struct {
	CounterCapacity  int `json:"counter_capacity" envconfig:"GARE_REALTIME_COUNTER_CAPACITY"`
	MobileCapacity   int `json:"mobile_capacity" envconfig:"GARE_REALTIME_MOBILE_CAPACITY"`
	AdminCapacity    int `json:"admin_capacity" envconfig:"GARE_REALTIME_ADMIN_CAPACITY"`
	OtherCapacity    int `json:"other_capacity" envconfig:"GARE_REALTIME_OTHER_CAPACITY"`
	GlobalCapacity   int `json:"global_capacity" envconfig:"GARE_REALTIME_GLOBAL_CAPACITY"`
	QueueDepth       int `json:"queue_depth" envconfig:"GARE_REALTIME_QUEUE_DEPTH"`
	FlushBatch       int `json:"flush_batch" envconfig:"GARE_REALTIME_FLUSH_BATCH"`
	FlushIntervalMs  int `json:"flush_interval_ms" envconfig:"GARE_REALTIME_FLUSH_INTERVAL_MS"`
	IdleTimeoutSec   int `json:"idle_timeout_sec" envconfig:"GARE_REALTIME_IDLE_TIMEOUT_SEC"`
	SweepIntervalSec int `json:"sweep_interval_sec" envconfig:"GARE_REALTIME_SWEEP_INTERVAL_SEC"`
}

type QueueConfig struct {
	SyncQueue         string `json:"sync_queue" envconfig:"GARE_QUEUE_SYNC"`
	WebhookQueue      string `json:"webhook_queue" envconfig:"GARE_QUEUE_WEBHOOK"`
	DepartureQueue    string `json:"departure_queue" envconfig:"GARE_QUEUE_DEPARTURE"`
	DepartureGraceSec int    `json:"departure_grace_sec" envconfig:"GARE_QUEUE_DEPARTURE_GRACE_SEC"`
	NumberOfQueues    int    `json:"number_of_queues" envconfig:"GARE_NUMBER_OF_QUEUES"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"GARE_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"GARE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"GARE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"GARE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

// OtelGrafanaCloud carries OTLP exporter settings. SetGrafanaExporterEnvs
// copies them into the standard OTEL_* environment variables the exporter
// reads.
type OtelGrafanaCloud struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName      string            `json:"project_name" envconfig:"GARE_PROJECT_NAME"`
	EnableTelemetry  bool              `json:"enable_telemetry" envconfig:"GARE_ENABLE_TELEMETRY"`
	Server           ServerConfig      `json:"server"`
	DataSource       DataSourceConfig  `json:"data_source"`
	Redis            RedisConfig       `json:"redis"`
	Station          StationConfig     `json:"station"`
	Central          CentralConfig     `json:"central"`
	Coordinator      CoordinatorConfig `json:"coordinator"`
	Snapshot         SnapshotConfig    `json:"snapshot"`
	Realtime         RealtimeConfig    `json:"realtime"`
	Queue            QueueConfig       `json:"queue"`
	Notification     Notification      `json:"notification"`
	RateLimit        RateLimitConfig   `json:"rate_limit"`
	OtelGrafanaCloud OtelGrafanaCloud  `json:"otel_grafana_cloud"`
}

// SetGrafanaExporterEnvs exports the configured OTLP settings as environment
// variables. Empty values are left alone so externally set OTEL_* variables
// survive.
func SetGrafanaExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.OtelGrafanaCloud.OtelExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.OtelGrafanaCloud.OtelExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.OtelGrafanaCloud.OtelExporterOtlpHeaders,
	}
	for name, value := range envs {
		if value == "" {
			continue
		}
		if err := os.Setenv(name, value); err != nil {
			return err
		}
	}
	return nil
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("gare", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called gare.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Gare Station"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Station.ID == "" {
		log.Println("Error: Station ID is empty. It's a required field.")
		return errors.New("station ID is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Station.ID = strings.TrimSpace(cnf.Station.ID)
	cnf.Central.URL = strings.TrimSpace(cnf.Central.URL)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.DataSource.applyDefaults()
	cnf.Central.applyDefaults()
	cnf.Coordinator.applyDefaults()
	cnf.Snapshot.applyDefaults()
	cnf.Realtime.applyDefaults()
	cnf.Queue.applyDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

func (c *DataSourceConfig) applyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

func (c *CentralConfig) applyDefaults() {
	if c.HeartbeatIntervalSec <= 0 {
		c.HeartbeatIntervalSec = 20
	}
	if c.BackoffInitialMs <= 0 {
		c.BackoffInitialMs = 5000
	}
	if c.BackoffMaxMs <= 0 {
		c.BackoffMaxMs = 60000
	}
	if c.BackoffMaxMs < c.BackoffInitialMs {
		c.BackoffMaxMs = c.BackoffInitialMs
	}
	if c.AckTimeoutSec <= 0 {
		c.AckTimeoutSec = 30
	}
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.LockTTLSec <= 0 {
		c.LockTTLSec = 30
	}
	if c.SweepIntervalSec <= 0 {
		c.SweepIntervalSec = 10
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 100
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PriorityThreshold <= 0 {
		c.PriorityThreshold = 8
	}
}

func (c *SnapshotConfig) applyDefaults() {
	if c.TTLSec <= 0 {
		c.TTLSec = 3600
	}
	if c.SweepIntervalSec <= 0 {
		c.SweepIntervalSec = 300
	}
}

func (c *RealtimeConfig) applyDefaults() {
	if c.CounterCapacity <= 0 {
		c.CounterCapacity = 50
	}
	if c.MobileCapacity <= 0 {
		c.MobileCapacity = 500
	}
	if c.AdminCapacity <= 0 {
		c.AdminCapacity = 10
	}
	if c.OtherCapacity <= 0 {
		c.OtherCapacity = 100
	}
	if c.GlobalCapacity <= 0 {
		c.GlobalCapacity = c.CounterCapacity + c.MobileCapacity + c.AdminCapacity + c.OtherCapacity
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 10
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = 100
	}
	if c.IdleTimeoutSec <= 0 {
		c.IdleTimeoutSec = 120
	}
	if c.SweepIntervalSec <= 0 {
		c.SweepIntervalSec = 30
	}
}

func (c *QueueConfig) applyDefaults() {
	if c.SyncQueue == "" {
		c.SyncQueue = "new:sync"
	}
	if c.WebhookQueue == "" {
		c.WebhookQueue = "new:webhook"
	}
	if c.DepartureQueue == "" {
		c.DepartureQueue = "new:departure"
	}
	if c.DepartureGraceSec <= 0 {
		c.DepartureGraceSec = 120
	}
	if c.NumberOfQueues <= 0 {
		c.NumberOfQueues = 4
	}
	if c.MonitoringPort == "" {
		c.MonitoringPort = "5004"
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

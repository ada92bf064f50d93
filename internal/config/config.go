package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Timezone    string            `json:"timezone" yaml:"timezone"`
	Crowd       CrowdConfig       `json:"crowd" yaml:"crowd"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Directory   DirectoryConfig   `json:"directory" yaml:"directory"`
	Geocode     GeocodeConfig     `json:"geocode" yaml:"geocode"`
	Feed        FeedConfig        `json:"feed" yaml:"feed"`
}

type CrowdConfig struct {
	ReportCooldown time.Duration `json:"report_cooldown" yaml:"report_cooldown"`
	DedupeWindow   time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxFutureSkew  time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type MaintenanceConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
	MQTT          MQTTConfig  `json:"mqtt" yaml:"mqtt"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
	Reduced bool     `json:"reduced_weight" yaml:"reduced_weight"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Reduced  bool   `json:"reduced_weight" yaml:"reduced_weight"`
}

type APIConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Addr         string   `json:"addr" yaml:"addr"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type StorageConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	DSN       string `json:"dsn" yaml:"dsn"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type DirectoryConfig struct {
	Path            string  `json:"path" yaml:"path"`
	DefaultRadiusKm float64 `json:"default_radius_km" yaml:"default_radius_km"`
}

type GeocodeConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	UserAgent    string        `json:"user_agent" yaml:"user_agent"`
	CountryCodes string        `json:"country_codes" yaml:"country_codes"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	Attempts     uint          `json:"attempts" yaml:"attempts"`
	CacheSize    int           `json:"cache_size" yaml:"cache_size"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type FeedConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Timezone:  "Local",
		Crowd: CrowdConfig{
			ReportCooldown: time.Hour,
			DedupeWindow:   10 * time.Minute,
			MaxFutureSkew:  2 * time.Minute,
		},
		Maintenance: MaintenanceConfig{Enabled: true, Interval: 15 * time.Minute},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			Kafka:         KafkaConfig{Enabled: false, GroupID: "crowdease"},
			MQTT:          MQTTConfig{Enabled: false, ClientID: "crowdease", Topic: "crowdease/reports", QoS: 1, Reduced: true},
		},
		API:       APIConfig{Enabled: true, Addr: ":8080", MaxBodyBytes: 1 << 16},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:crowdease.db?_pragma=busy_timeout(5000)", Namespace: "crowdease"},
		Directory: DirectoryConfig{Path: "stores.yaml", DefaultRadiusKm: 5},
		Geocode: GeocodeConfig{
			Enabled:      true,
			BaseURL:      "https://nominatim.openstreetmap.org",
			UserAgent:    "CrowdEase/1.0",
			CountryCodes: "be",
			Timeout:      5 * time.Second,
			Attempts:     3,
			CacheSize:    10_000,
			CacheTTL:     24 * time.Hour,
		},
		Feed: FeedConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
	if cfg.Maintenance.Interval <= 0 {
		cfg.Maintenance.Interval = 15 * time.Minute
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "crowdease"
	}
	if cfg.Directory.DefaultRadiusKm <= 0 {
		cfg.Directory.DefaultRadiusKm = 5
	}
	if cfg.API.MaxBodyBytes <= 0 {
		cfg.API.MaxBodyBytes = 1 << 16
	}
	if cfg.Geocode.Attempts == 0 {
		cfg.Geocode.Attempts = 3
	}
	if cfg.Geocode.Timeout <= 0 {
		cfg.Geocode.Timeout = 5 * time.Second
	}
	if cfg.Geocode.CacheSize <= 0 {
		cfg.Geocode.CacheSize = 10_000
	}
	if cfg.Geocode.CacheTTL <= 0 {
		cfg.Geocode.CacheTTL = 24 * time.Hour
	}
	if cfg.Feed.StoreLimit <= 0 {
		cfg.Feed.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if !validNamespace(cfg.Storage.Namespace) {
		return fmt.Errorf("storage.namespace %q must be lower-case letters, digits or underscores", cfg.Storage.Namespace)
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "" {
			return errors.New("ingest.mqtt requires broker and topic")
		}
		if cfg.Ingest.MQTT.QoS > 2 {
			return errors.New("ingest.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Geocode.Enabled && cfg.Geocode.BaseURL == "" {
		return errors.New("geocode.base_url required when geocode.enabled is true")
	}
	if cfg.Crowd.ReportCooldown < 0 || cfg.Crowd.DedupeWindow < 0 || cfg.Crowd.MaxFutureSkew < 0 {
		return errors.New("crowd durations must not be negative")
	}
	return nil
}

// Location resolves the configured time zone used to bucket reports by
// weekday and hour.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func validNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, ch := range ns {
		if (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') && ch != '_' {
			return false
		}
	}
	return true
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file, for runs without -config.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

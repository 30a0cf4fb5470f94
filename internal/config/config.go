// Package config loads the station configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/serialmux"
)

// EnvPrefix prefixes environment overrides: web.listen -> SONDE_WEB_LISTEN.
const EnvPrefix = "SONDE"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// StationConfig is the full service configuration. It is also what the
// query surface reports as the current configuration.
type StationConfig struct {
	Web     WebConfig     `mapstructure:"web" json:"web"`
	GRPC    GRPCConfig    `mapstructure:"grpc" json:"grpc"`
	UDP     UDPConfig     `mapstructure:"udp" json:"udp"`
	Serial  SerialConfig  `mapstructure:"serial" json:"serial"`
	DB      DBConfig      `mapstructure:"db" json:"db"`
	Habitat HabitatConfig `mapstructure:"habitat" json:"habitat"`
	Station StationInfo   `mapstructure:"station" json:"station"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
}

type WebConfig struct {
	Listen string `mapstructure:"listen" json:"listen"`
	// MaxAge is how long a sonde stays in the archive after its last packet.
	MaxAge          time.Duration `mapstructure:"max_age" json:"max_age"`
	ProcessInterval time.Duration `mapstructure:"process_interval" json:"process_interval"`
}

type GRPCConfig struct {
	Listen string `mapstructure:"listen" json:"listen"`
}

type UDPConfig struct {
	Listen string `mapstructure:"listen" json:"listen"`
}

// SerialConfig describes a serial-attached decoder. An empty Port disables it.
type SerialConfig struct {
	Port     string `mapstructure:"port" json:"port"`
	BaudRate int    `mapstructure:"baud_rate" json:"baud_rate"`
	DataBits int    `mapstructure:"data_bits" json:"data_bits"`
	StopBits int    `mapstructure:"stop_bits" json:"stop_bits"`
	Parity   string `mapstructure:"parity" json:"parity"`
}

// PortOptions returns the serial framing as serialmux options.
func (s SerialConfig) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		StopBits: s.StopBits,
		Parity:   s.Parity,
	}
}

// DBConfig locates the telemetry log. An empty Path disables it.
type DBConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

type HabitatConfig struct {
	Enabled          bool          `mapstructure:"enabled" json:"enabled"`
	URL              string        `mapstructure:"url" json:"url"`
	PayloadCallsign  string        `mapstructure:"payload_callsign" json:"payload_callsign"`
	UploaderCallsign string        `mapstructure:"uploader_callsign" json:"uploader_callsign"`
	UploadRate       time.Duration `mapstructure:"upload_rate" json:"upload_rate"`
	Retries          int           `mapstructure:"retries" json:"retries"`
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout"`
}

type StationInfo struct {
	SDRs     []string `mapstructure:"sdrs" json:"sdrs"`
	Callsign string   `mapstructure:"callsign" json:"callsign"`
	Lat      float64  `mapstructure:"lat" json:"lat"`
	Lon      float64  `mapstructure:"lon" json:"lon"`
}

type LogConfig struct {
	File       string `mapstructure:"file" json:"file"`
	Level      string `mapstructure:"level" json:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("web.listen", ":5000")
	v.SetDefault("web.max_age", "120m")
	v.SetDefault("web.process_interval", "100ms")
	v.SetDefault("grpc.listen", "")
	v.SetDefault("udp.listen", "")
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("db.path", "sonde_log.db")
	v.SetDefault("habitat.enabled", false)
	v.SetDefault("habitat.url", "http://habitat.habhub.org")
	v.SetDefault("habitat.payload_callsign", "RADIOSONDE")
	v.SetDefault("habitat.uploader_callsign", "N0CALL")
	v.SetDefault("habitat.upload_rate", "30s")
	v.SetDefault("habitat.retries", 3)
	v.SetDefault("habitat.timeout", "4s")
	v.SetDefault("station.sdrs", []string{"0"})
	v.SetDefault("station.callsign", "N0CALL")
	v.SetDefault("station.lat", 0.0)
	v.SetDefault("station.lon", 0.0)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*StationConfig, error) {
	return decode(newViper())
}

// Load reads a JSON or YAML configuration file, applies environment
// overrides and validates the result. Keys absent from the file keep their
// defaults, so partial files are fine.
func Load(path string) (*StationConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	v := newViper()
	v.SetConfigFile(cleanPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*StationConfig, error) {
	var cfg StationConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *StationConfig) Validate() error {
	if c.Web.MaxAge <= 0 {
		return fmt.Errorf("web.max_age must be positive, got %v", c.Web.MaxAge)
	}
	if c.Web.ProcessInterval <= 0 {
		return fmt.Errorf("web.process_interval must be positive, got %v", c.Web.ProcessInterval)
	}
	// Eviction must stay timely relative to the processing cadence.
	if c.Web.ProcessInterval >= c.Web.MaxAge/100 {
		return fmt.Errorf("web.process_interval %v must be less than 1/100 of web.max_age %v",
			c.Web.ProcessInterval, c.Web.MaxAge)
	}
	if c.Serial.Port != "" {
		if _, err := c.Serial.PortOptions().Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if _, err := monitoring.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Habitat.Enabled {
		if c.Habitat.URL == "" {
			return fmt.Errorf("habitat.url must be set when habitat is enabled")
		}
		if c.Habitat.UploadRate <= 0 || c.Habitat.Timeout <= 0 {
			return fmt.Errorf("habitat.upload_rate and habitat.timeout must be positive")
		}
		if c.Habitat.Retries < 0 {
			return fmt.Errorf("habitat.retries must not be negative, got %d", c.Habitat.Retries)
		}
	}
	return nil
}

// Clone returns a copy that shares no slices with c.
func (c *StationConfig) Clone() *StationConfig {
	out := *c
	out.Station.SDRs = append([]string(nil), c.Station.SDRs...)
	return &out
}

// Holder publishes the current configuration to concurrent readers.
type Holder struct {
	cur atomic.Pointer[StationConfig]
}

func NewHolder(cfg *StationConfig) *Holder {
	h := &Holder{}
	h.Store(cfg)
	return h
}

// Store replaces the current configuration.
func (h *Holder) Store(cfg *StationConfig) {
	h.cur.Store(cfg.Clone())
}

// Snapshot returns a copy of the current configuration.
func (h *Holder) Snapshot() *StationConfig {
	return h.cur.Load().Clone()
}

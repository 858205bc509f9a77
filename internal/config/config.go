// Package config provides configuration management for streammux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/jmylchreest/streammux/internal/urlutil"
)

// Default configuration values.
const (
	defaultServerPort            = 8080
	defaultServerReadTimeout     = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultRingBufferSizeMB      = 4
	defaultMaxConnectRetry       = 3
	defaultMaxConnectRetryTimeMs = 50
	defaultConnectTimeout        = 10 * time.Second
	defaultFirstByteTimeout      = 30 * time.Second
	defaultCircuitBreakerThresh  = 5
	defaultCircuitBreakerTimeout = 30 * time.Second
	defaultClientBufferSize      = 64 * 1024
	defaultKillGrace             = 500 * time.Millisecond
	defaultStatsSchedule         = "@every 1m"
	defaultPlaylistTimeout       = 60 * time.Second
	defaultPlaylistMaxSize       = 64 << 20
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "STREAMMUX"

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Streaming StreamingConfig `mapstructure:"streaming" yaml:"streaming"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Stats     StatsConfig     `mapstructure:"stats" yaml:"stats"`
	Channels  []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	Groups    []GroupConfig   `mapstructure:"groups" yaml:"groups"`
	Playlists PlaylistsConfig `mapstructure:"playlists" yaml:"playlists"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout bounds whole responses, so it stays 0 for long-lived streams.
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	// MaxConnections caps concurrent client connections. 0 = unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level          string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format         string `mapstructure:"format" yaml:"format"` // json, text
	AddSource      bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat     string `mapstructure:"time_format" yaml:"time_format"`
	RequestLogging bool   `mapstructure:"request_logging" yaml:"request_logging"`
}

// StreamingConfig holds the multiplexer settings.
type StreamingConfig struct {
	RingBufferSizeMB      int    `mapstructure:"ring_buffer_size_mb" yaml:"ring_buffer_size_mb"`
	MaxConnectRetry       int    `mapstructure:"max_connect_retry" yaml:"max_connect_retry"`
	MaxConnectRetryTimeMs int    `mapstructure:"max_connect_retry_time_ms" yaml:"max_connect_retry_time_ms"`
	ProxyType             string `mapstructure:"proxy_type" yaml:"proxy_type"` // http, ffmpeg
	CleanURLsInLogs       bool   `mapstructure:"clean_urls_in_logs" yaml:"clean_urls_in_logs"`

	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	FirstByteTimeout time.Duration `mapstructure:"first_byte_timeout" yaml:"first_byte_timeout"`
	// IdleGracePeriod keeps a stream alive after its last subscriber leaves.
	IdleGracePeriod time.Duration `mapstructure:"idle_grace_period" yaml:"idle_grace_period"`

	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`
	UserAgent               string        `mapstructure:"user_agent" yaml:"user_agent"`

	// ClientBufferSize is the per-client copy buffer.
	// Supports human-readable values like "64KiB" or raw byte counts.
	ClientBufferSize ByteSize `mapstructure:"client_buffer_size" yaml:"client_buffer_size"`
}

// FFmpegConfig holds transcoder binary configuration.
type FFmpegConfig struct {
	BinaryPath string        `mapstructure:"binary_path" yaml:"binary_path"` // empty = auto-detect
	Args       []string      `mapstructure:"args" yaml:"args"`               // empty = remux to MPEG-TS
	KillGrace  time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// StatsConfig holds the periodic statistics reporter configuration.
type StatsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"` // cron spec or @every descriptor
}

// ChannelConfig declares one servable channel.
type ChannelConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Name    string `mapstructure:"name" yaml:"name"`
	URL     string `mapstructure:"url" yaml:"url"`
	GroupID int    `mapstructure:"group_id" yaml:"group_id"`

	// Logo and Category only describe the channel in the served playlist.
	Logo     string `mapstructure:"logo" yaml:"logo,omitempty"`
	Category string `mapstructure:"category" yaml:"category,omitempty"`
}

// GroupConfig caps concurrent upstreams for channels sharing a group.
type GroupConfig struct {
	ID         int `mapstructure:"id" yaml:"id"`
	MaxStreams int `mapstructure:"max_streams" yaml:"max_streams"` // 0 = unlimited
}

// PlaylistsConfig lists provider playlists whose entries become channels.
type PlaylistsConfig struct {
	Sources []PlaylistConfig `mapstructure:"sources" yaml:"sources"`
	// Refresh is a cron spec for re-fetching sources. Empty disables it.
	Refresh string        `mapstructure:"refresh" yaml:"refresh"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxSize ByteSize      `mapstructure:"max_size" yaml:"max_size"`
}

// PlaylistConfig is one provider playlist. Every entry joins GroupID, so a
// provider account's connection limit applies across its whole playlist.
type PlaylistConfig struct {
	Source   string `mapstructure:"source" yaml:"source"` // http(s) URL or local path
	GroupID  int    `mapstructure:"group_id" yaml:"group_id"`
	IDPrefix string `mapstructure:"id_prefix" yaml:"id_prefix"`
	// GroupTitles keeps only entries whose group-title matches, case-insensitively.
	GroupTitles []string `mapstructure:"group_titles" yaml:"group_titles"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STREAMMUX_ and use underscores for nesting.
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper builds a Viper instance with defaults, env bindings and the config file read in.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streammux")
		v.AddConfigPath("$HOME/.streammux")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults sets default configuration values.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_connections", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.request_logging", false)

	// Streaming defaults
	v.SetDefault("streaming.ring_buffer_size_mb", defaultRingBufferSizeMB)
	v.SetDefault("streaming.max_connect_retry", defaultMaxConnectRetry)
	v.SetDefault("streaming.max_connect_retry_time_ms", defaultMaxConnectRetryTimeMs)
	v.SetDefault("streaming.proxy_type", "http")
	v.SetDefault("streaming.clean_urls_in_logs", false)
	v.SetDefault("streaming.connect_timeout", defaultConnectTimeout)
	v.SetDefault("streaming.first_byte_timeout", defaultFirstByteTimeout)
	v.SetDefault("streaming.idle_grace_period", 0)
	v.SetDefault("streaming.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("streaming.circuit_breaker_timeout", defaultCircuitBreakerTimeout)
	v.SetDefault("streaming.user_agent", "") // empty = streammux/<version>
	v.SetDefault("streaming.client_buffer_size", defaultClientBufferSize)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.args", []string{})
	v.SetDefault("ffmpeg.kill_grace", defaultKillGrace)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Stats defaults
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.schedule", defaultStatsSchedule)

	// Playlist defaults
	v.SetDefault("playlists.refresh", "")
	v.SetDefault("playlists.timeout", defaultPlaylistTimeout)
	v.SetDefault("playlists.max_size", defaultPlaylistMaxSize)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Streaming.validate(); err != nil {
		return err
	}

	if c.FFmpeg.KillGrace < 0 {
		return fmt.Errorf("ffmpeg.kill_grace must not be negative")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Stats.Enabled {
		if _, err := cron.ParseStandard(c.Stats.Schedule); err != nil {
			return fmt.Errorf("stats.schedule is invalid: %w", err)
		}
	}

	if err := c.Playlists.validate(); err != nil {
		return err
	}

	return c.validateChannels()
}

func (p *PlaylistsConfig) validate() error {
	if p.Refresh != "" {
		if _, err := cron.ParseStandard(p.Refresh); err != nil {
			return fmt.Errorf("playlists.refresh is invalid: %w", err)
		}
	}
	if p.Timeout < 0 || p.MaxSize < 0 {
		return fmt.Errorf("playlists.timeout and playlists.max_size must not be negative")
	}
	for i, src := range p.Sources {
		if strings.TrimSpace(src.Source) == "" {
			return fmt.Errorf("playlists.sources[%d]: source is required", i)
		}
		// Single-letter schemes are Windows drive letters.
		scheme := urlutil.GetScheme(src.Source)
		if len(scheme) > 1 && !urlutil.IsRemoteURL(src.Source) && scheme != urlutil.SchemeFile {
			return fmt.Errorf("playlists.sources[%d]: unsupported source scheme %q", i, scheme)
		}
		if src.GroupID < 0 {
			return fmt.Errorf("playlists.sources[%d]: group_id must not be negative", i)
		}
	}
	return nil
}

func (s *StreamingConfig) validate() error {
	if s.RingBufferSizeMB < 1 {
		return fmt.Errorf("streaming.ring_buffer_size_mb must be at least 1")
	}
	if s.MaxConnectRetry < 0 {
		return fmt.Errorf("streaming.max_connect_retry must not be negative")
	}
	if s.MaxConnectRetryTimeMs < 0 {
		return fmt.Errorf("streaming.max_connect_retry_time_ms must not be negative")
	}
	validProxyTypes := map[string]bool{"http": true, "direct": true, "ffmpeg": true, "transcoder": true}
	if !validProxyTypes[strings.ToLower(s.ProxyType)] {
		return fmt.Errorf("streaming.proxy_type must be one of: http, ffmpeg")
	}
	if s.ConnectTimeout < 0 || s.FirstByteTimeout < 0 || s.IdleGracePeriod < 0 {
		return fmt.Errorf("streaming timeouts must not be negative")
	}
	if s.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("streaming.circuit_breaker_threshold must be at least 1")
	}
	if s.ClientBufferSize < 1 {
		return fmt.Errorf("streaming.client_buffer_size must be at least 1 byte")
	}
	return nil
}

func (c *Config) validateChannels() error {
	groups := make(map[int]bool, len(c.Groups))
	for i, g := range c.Groups {
		if groups[g.ID] {
			return fmt.Errorf("groups[%d]: duplicate group id %d", i, g.ID)
		}
		if g.MaxStreams < 0 {
			return fmt.Errorf("groups[%d]: max_streams must not be negative", i)
		}
		groups[g.ID] = true
	}

	pt := strings.ToLower(c.Streaming.ProxyType)
	transcoded := pt == "ffmpeg" || pt == "transcoder"

	ids := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
		if ids[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate channel id %q", i, ch.ID)
		}
		if ch.URL == "" {
			return fmt.Errorf("channels[%d]: url is required", i)
		}
		if err := urlutil.ValidateUpstreamURL(ch.URL, transcoded); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		ids[ch.ID] = true
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GroupLimit returns the max_streams of a group, or 0 (unlimited) when undeclared.
func (c *Config) GroupLimit(groupID int) int {
	for _, g := range c.Groups {
		if g.ID == groupID {
			return g.MaxStreams
		}
	}
	return 0
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
)

var log = logging.L("config")

// Config is the full TOML configuration surface of the server.
type Config struct {
	Server        ServerConfig    `mapstructure:"server"`
	Security      SecurityConfig  `mapstructure:"security"`
	VideoPipeline VideoConfig     `mapstructure:"video_pipeline"`
	EGFX          EGFXConfig      `mapstructure:"egfx"`
	Clipboard     ClipboardConfig `mapstructure:"clipboard"`
	Logging       LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type SecurityConfig struct {
	CertPath   string `mapstructure:"cert_path"`
	KeyPath    string `mapstructure:"key_path"`
	AuthMethod string `mapstructure:"auth_method"` // "none" or "pam"
}

type VideoConfig struct {
	TargetFPS      int          `mapstructure:"target_fps"`
	MaxQueueDepth  int          `mapstructure:"max_queue_depth"`
	DamageTracking DamageConfig `mapstructure:"damage_tracking"`
}

type DamageConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Method        string `mapstructure:"method"` // "tile_hash"
	TileSize      int    `mapstructure:"tile_size"`
	DiffThreshold int    `mapstructure:"diff_threshold"`
	MergeDistance int    `mapstructure:"merge_distance"`
}

type EGFXConfig struct {
	Enabled                   bool    `mapstructure:"enabled"`
	H264Bitrate               int     `mapstructure:"h264_bitrate"`
	Codec                     string  `mapstructure:"codec"` // "remotefx", "avc420", "avc444"
	AVC444Enabled             bool    `mapstructure:"avc444_enabled"`
	AVC444EnableAuxOmission   bool    `mapstructure:"avc444_enable_aux_omission"`
	AVC444MaxAuxInterval      int     `mapstructure:"avc444_max_aux_interval"`
	AVC444AuxChangeThreshold  float64 `mapstructure:"avc444_aux_change_threshold"`
	AVC444ForceAuxIDROnReturn bool    `mapstructure:"avc444_force_aux_idr_on_return"`
}

type ClipboardConfig struct {
	Enabled     bool  `mapstructure:"enabled"`
	MaxSize     int64 `mapstructure:"max_size"`
	RateLimitMs int   `mapstructure:"rate_limit_ms"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns the built-in defaults applied under the explicit
// sections. Defaults never substitute for a missing section: section
// presence is validated separately in ValidateTiered.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     "0.0.0.0:3389",
			MaxConnections: 1,
		},
		Security: SecurityConfig{
			AuthMethod: "none",
		},
		VideoPipeline: VideoConfig{
			TargetFPS:     30,
			MaxQueueDepth: 4,
			DamageTracking: DamageConfig{
				Enabled:       true,
				Method:        "tile_hash",
				TileSize:      64,
				DiffThreshold: 0,
				MergeDistance: 32,
			},
		},
		EGFX: EGFXConfig{
			Enabled:                   true,
			H264Bitrate:               5_000_000,
			Codec:                     "avc444",
			AVC444Enabled:             true,
			AVC444EnableAuxOmission:   true,
			AVC444MaxAuxInterval:      60,
			AVC444AuxChangeThreshold:  0.02,
			AVC444ForceAuxIDROnReturn: false,
		},
		Clipboard: ClipboardConfig{
			Enabled:     true,
			MaxSize:     64 * 1024 * 1024,
			RateLimitMs: 100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads the TOML config file, applies defaults and environment
// overrides (LAMCO_RDP_*), and runs tiered validation. Fatals abort the
// load; warnings are logged and the load continues.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("lamco-rdp")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}
	v.SetConfigType("toml")

	v.AutomaticEnv()
	v.SetEnvPrefix("LAMCO_RDP")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	result := cfg.ValidateTiered(v)
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// DataDir returns the directory for persisted server state (token files).
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "lamco-rdp")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "lamco-rdp")
	}
	return filepath.Join(home, ".local", "share", "lamco-rdp")
}

// DownloadsDir returns the destination for inbound file transfers.
func DownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, "Downloads")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "lamco-rdp")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/lamco-rdp"
	}
	return filepath.Join(home, ".config", "lamco-rdp")
}

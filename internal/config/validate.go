package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

// requiredSections must be present in the config file. A missing section
// is a load-time fatal, never a runtime panic.
var requiredSections = []string{
	"server",
	"security",
	"video_pipeline",
	"egfx",
	"clipboard",
}

var validCodecs = map[string]bool{
	"remotefx": true,
	"avc420":   true,
	"avc444":   true,
}

var validAuthMethods = map[string]bool{
	"none": true,
	"pam":  true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates fatals (block startup) from warnings
// (logged, startup continues with clamped values).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks section presence against the raw viper state and
// value ranges against the unmarshalled config. Out-of-range values that
// would cause panics downstream are clamped and reported as warnings.
func (c *Config) ValidateTiered(v *viper.Viper) ValidationResult {
	var r ValidationResult

	for _, section := range requiredSections {
		if v != nil && !v.InConfig(section) {
			r.fatal("missing required config section [%s]", section)
		}
	}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		r.fatal("server.listen_addr %q is not host:port: %v", c.Server.ListenAddr, err)
	}
	if c.Server.MaxConnections < 1 {
		r.warn("server.max_connections %d is below minimum 1, clamping", c.Server.MaxConnections)
		c.Server.MaxConnections = 1
	}

	if !validAuthMethods[strings.ToLower(c.Security.AuthMethod)] {
		r.fatal("security.auth_method %q is not valid (use none or pam)", c.Security.AuthMethod)
	}
	if c.Security.CertPath == "" || c.Security.KeyPath == "" {
		r.fatal("security.cert_path and security.key_path are required")
	}

	if c.VideoPipeline.TargetFPS < 1 {
		r.warn("video_pipeline.target_fps %d is below minimum 1, clamping", c.VideoPipeline.TargetFPS)
		c.VideoPipeline.TargetFPS = 1
	} else if c.VideoPipeline.TargetFPS > 120 {
		r.warn("video_pipeline.target_fps %d exceeds maximum 120, clamping", c.VideoPipeline.TargetFPS)
		c.VideoPipeline.TargetFPS = 120
	}
	if c.VideoPipeline.MaxQueueDepth < 1 {
		r.warn("video_pipeline.max_queue_depth %d is below minimum 1, clamping", c.VideoPipeline.MaxQueueDepth)
		c.VideoPipeline.MaxQueueDepth = 1
	}

	dt := &c.VideoPipeline.DamageTracking
	if dt.Method != "" && dt.Method != "tile_hash" {
		r.warn("damage_tracking.method %q unknown, using tile_hash", dt.Method)
		dt.Method = "tile_hash"
	}
	if dt.TileSize < 16 || dt.TileSize > 256 {
		r.warn("damage_tracking.tile_size %d outside [16,256], clamping to 64", dt.TileSize)
		dt.TileSize = 64
	}
	if dt.TileSize&(dt.TileSize-1) != 0 {
		r.warn("damage_tracking.tile_size %d is not a power of two, clamping to 64", dt.TileSize)
		dt.TileSize = 64
	}
	if dt.MergeDistance < 0 {
		r.warn("damage_tracking.merge_distance %d is negative, clamping to 0", dt.MergeDistance)
		dt.MergeDistance = 0
	}

	if !validCodecs[strings.ToLower(c.EGFX.Codec)] {
		r.fatal("egfx.codec %q is not valid (use remotefx, avc420 or avc444)", c.EGFX.Codec)
	}
	if c.EGFX.H264Bitrate < 100_000 {
		r.warn("egfx.h264_bitrate %d is below minimum 100000, clamping", c.EGFX.H264Bitrate)
		c.EGFX.H264Bitrate = 100_000
	}
	if c.EGFX.AVC444MaxAuxInterval < 1 {
		r.warn("egfx.avc444_max_aux_interval %d is below minimum 1, clamping", c.EGFX.AVC444MaxAuxInterval)
		c.EGFX.AVC444MaxAuxInterval = 1
	}
	if c.EGFX.AVC444AuxChangeThreshold < 0 || c.EGFX.AVC444AuxChangeThreshold > 1 {
		r.warn("egfx.avc444_aux_change_threshold %v outside [0,1], clamping to 0.02", c.EGFX.AVC444AuxChangeThreshold)
		c.EGFX.AVC444AuxChangeThreshold = 0.02
	}

	if c.Clipboard.MaxSize < 0 {
		r.warn("clipboard.max_size %d is negative, clamping to 0 (unlimited)", c.Clipboard.MaxSize)
		c.Clipboard.MaxSize = 0
	}
	if c.Clipboard.RateLimitMs < 0 {
		r.warn("clipboard.rate_limit_ms %d is negative, clamping to 0", c.Clipboard.RateLimitMs)
		c.Clipboard.RateLimitMs = 0
	}

	if c.Logging.Level != "" && !validLogLevels[strings.ToLower(c.Logging.Level)] {
		r.warn("logging.level %q is not valid (use debug, info, warn, error)", c.Logging.Level)
		c.Logging.Level = "info"
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		r.warn("logging.format %q is not valid (use text or json)", c.Logging.Format)
		c.Logging.Format = "text"
	}

	return r
}

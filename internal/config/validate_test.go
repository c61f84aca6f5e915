package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

const fullConfig = `
[server]
listen_addr = "0.0.0.0:3389"
max_connections = 1

[security]
cert_path = "/etc/lamco-rdp/cert.pem"
key_path = "/etc/lamco-rdp/key.pem"
auth_method = "none"

[video_pipeline]
target_fps = 30
max_queue_depth = 4

[video_pipeline.damage_tracking]
enabled = true
method = "tile_hash"
tile_size = 64
diff_threshold = 0
merge_distance = 32

[egfx]
enabled = true
h264_bitrate = 5000000
codec = "avc444"
avc444_enabled = true
avc444_enable_aux_omission = true
avc444_max_aux_interval = 60
avc444_aux_change_threshold = 0.02
avc444_force_aux_idr_on_return = false

[clipboard]
enabled = true
max_size = 67108864
rate_limit_ms = 100
`

func parseTOML(t *testing.T, content string) (*Config, *viper.Viper) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg, v
}

func TestValidate_FullConfigPasses(t *testing.T) {
	cfg, v := parseTOML(t, fullConfig)
	result := cfg.ValidateTiered(v)
	if result.HasFatals() {
		t.Fatalf("expected no fatals, got %v", result.Fatals)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
}

func TestValidate_MissingSectionIsFatal(t *testing.T) {
	sections := []string{"server", "security", "video_pipeline", "egfx", "clipboard"}
	for _, section := range sections {
		t.Run(section, func(t *testing.T) {
			trimmed := removeSection(fullConfig, section)
			cfg, v := parseTOML(t, trimmed)
			result := cfg.ValidateTiered(v)
			if !result.HasFatals() {
				t.Fatalf("expected fatal for missing [%s]", section)
			}
		})
	}
}

func TestValidate_BadCodecIsFatal(t *testing.T) {
	cfg, v := parseTOML(t, strings.Replace(fullConfig, `codec = "avc444"`, `codec = "mpeg2"`, 1))
	result := cfg.ValidateTiered(v)
	if !result.HasFatals() {
		t.Fatal("expected fatal for unknown codec")
	}
}

func TestValidate_BadAuthMethodIsFatal(t *testing.T) {
	cfg, v := parseTOML(t, strings.Replace(fullConfig, `auth_method = "none"`, `auth_method = "kerberos"`, 1))
	result := cfg.ValidateTiered(v)
	if !result.HasFatals() {
		t.Fatal("expected fatal for unknown auth method")
	}
}

func TestValidate_OutOfRangeValuesClampWithWarning(t *testing.T) {
	content := strings.Replace(fullConfig, "target_fps = 30", "target_fps = 500", 1)
	content = strings.Replace(content, "tile_size = 64", "tile_size = 48", 1)
	cfg, v := parseTOML(t, content)
	result := cfg.ValidateTiered(v)
	if result.HasFatals() {
		t.Fatalf("expected no fatals, got %v", result.Fatals)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", result.Warnings)
	}
	if cfg.VideoPipeline.TargetFPS != 120 {
		t.Errorf("target_fps not clamped: %d", cfg.VideoPipeline.TargetFPS)
	}
	if cfg.VideoPipeline.DamageTracking.TileSize != 64 {
		t.Errorf("tile_size not clamped: %d", cfg.VideoPipeline.DamageTracking.TileSize)
	}
}

func TestValidate_BadListenAddrIsFatal(t *testing.T) {
	cfg, v := parseTOML(t, strings.Replace(fullConfig, `listen_addr = "0.0.0.0:3389"`, `listen_addr = "nonsense"`, 1))
	result := cfg.ValidateTiered(v)
	if !result.HasFatals() {
		t.Fatal("expected fatal for invalid listen addr")
	}
}

// removeSection strips a [section] block (and its subtables) from a TOML string.
func removeSection(content, section string) string {
	var out []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			name := strings.Trim(trimmed, "[]")
			skipping = name == section || strings.HasPrefix(name, section+".")
		}
		if !skipping {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

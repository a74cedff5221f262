package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeUniform  = "uniform"
	ModeVariable = "variable"
)

// AppConfig holds the options of the rpoc-scan command.
type AppConfig struct {
	Port             int
	ScanConfigPath   string
	Simulate         bool
	SimRealtime      bool
	SimNoise         float64
	DeviceEndpoint   string
	Frames           int
	FrameInterval    time.Duration
	// FrameRetries is how often a frame lost to a device timeout is retried
	// on a reopened session before the run fails.
	FrameRetries     int
	DrainMargin      time.Duration
	RawLogEnabled    bool
	RawLogDir        string
	LogLevel         string
	ViabilityROIPath string
	ViabilityWindow  int
	ViabilityHistory int
}

// ScanConfig is the per-scan configuration surface. Output channels are
// axis-major: fast axis first, slow axis second.
type ScanConfig struct {
	StepsX             int      `mapstructure:"steps_x" json:"steps_x" cbor:"steps_x"`
	StepsY             int      `mapstructure:"steps_y" json:"steps_y" cbor:"steps_y"`
	PadLeft            int      `mapstructure:"pad_left" json:"pad_left" cbor:"pad_left"`
	PadRight           int      `mapstructure:"pad_right" json:"pad_right" cbor:"pad_right"`
	OffsetX            float64  `mapstructure:"offset_x" json:"offset_x" cbor:"offset_x"`
	OffsetY            float64  `mapstructure:"offset_y" json:"offset_y" cbor:"offset_y"`
	AmplitudeX         float64  `mapstructure:"amplitude_x" json:"amplitude_x" cbor:"amplitude_x"`
	AmplitudeY         float64  `mapstructure:"amplitude_y" json:"amplitude_y" cbor:"amplitude_y"`
	Dwell              float64  `mapstructure:"dwell" json:"dwell" cbor:"dwell"`
	SampleRate         float64  `mapstructure:"sample_rate" json:"sample_rate" cbor:"sample_rate"`
	DeviceID           string   `mapstructure:"device_id" json:"device_id" cbor:"device_id"`
	OutputChannelIDs   []string `mapstructure:"output_channel_ids" json:"output_channel_ids" cbor:"output_channel_ids"`
	InputChannelIDs    []string `mapstructure:"input_channel_ids" json:"input_channel_ids" cbor:"input_channel_ids"`
	Mode               string   `mapstructure:"mode" json:"mode" cbor:"mode"`
	DwellMultiplier    float64  `mapstructure:"dwell_multiplier" json:"dwell_multiplier" cbor:"dwell_multiplier"`
	ModulationLineIDs  []string `mapstructure:"modulation_line_ids" json:"modulation_line_ids" cbor:"modulation_line_ids"`
	Masks              []string `mapstructure:"masks" json:"masks" cbor:"masks"`
	FastAxisDescending bool     `mapstructure:"fast_axis_descending" json:"fast_axis_descending" cbor:"fast_axis_descending"`
}

// Variable reports whether per-pixel dwell is requested.
func (c ScanConfig) Variable() bool {
	return strings.EqualFold(c.Mode, ModeVariable)
}

// Modulated reports whether digital modulation lines are requested.
func (c ScanConfig) Modulated() bool {
	return len(c.ModulationLineIDs) > 0
}

// Default returns the instrument defaults.
func Default() ScanConfig {
	return ScanConfig{
		StepsX:           400,
		StepsY:           400,
		PadLeft:          50,
		PadRight:         50,
		AmplitudeX:       0.5,
		AmplitudeY:       0.5,
		Dwell:            10e-6,
		SampleRate:       10000,
		DeviceID:         "Dev1",
		OutputChannelIDs: []string{"ao1", "ao0"},
		InputChannelIDs:  []string{"ai0"},
		Mode:             ModeUniform,
		DwellMultiplier:  2.0,
	}
}

// Load reads a scan configuration from path (YAML, TOML or JSON, chosen by
// extension) layered over Default, with RPOC_* environment overrides. An
// empty path yields defaults plus environment.
func Load(path string) (ScanConfig, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("steps_x", def.StepsX)
	v.SetDefault("steps_y", def.StepsY)
	v.SetDefault("pad_left", def.PadLeft)
	v.SetDefault("pad_right", def.PadRight)
	v.SetDefault("offset_x", def.OffsetX)
	v.SetDefault("offset_y", def.OffsetY)
	v.SetDefault("amplitude_x", def.AmplitudeX)
	v.SetDefault("amplitude_y", def.AmplitudeY)
	v.SetDefault("dwell", def.Dwell)
	v.SetDefault("sample_rate", def.SampleRate)
	v.SetDefault("device_id", def.DeviceID)
	v.SetDefault("output_channel_ids", def.OutputChannelIDs)
	v.SetDefault("input_channel_ids", def.InputChannelIDs)
	v.SetDefault("mode", def.Mode)
	v.SetDefault("dwell_multiplier", def.DwellMultiplier)
	v.SetDefault("modulation_line_ids", []string{})
	v.SetDefault("masks", []string{})
	v.SetDefault("fast_axis_descending", false)

	v.SetEnvPrefix("RPOC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ScanConfig{}, fmt.Errorf("read scan config %s: %w", path, err)
		}
	}

	var cfg ScanConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ScanConfig{}, fmt.Errorf("decode scan config: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	return cfg, nil
}

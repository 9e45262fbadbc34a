package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
)

// Config carries every pipeline knob plus the operational settings. The
// pipeline receives a value of this struct; it never consults the
// environment itself.
type Config struct {
	// Stage knobs.
	ExtractFPS      int     `toml:"extract_fps"`
	BatchSize       int     `toml:"batch_size"`
	SmoothingWindow int     `toml:"smoothing_window"`
	ImputeMaxGap    int     `toml:"impute_max_gap"`
	MotionThreshold float64 `toml:"motion_threshold"`
	MotionWindow    int     `toml:"motion_window"`
	HysteresisOn    int     `toml:"hysteresis_on"`
	HysteresisOff   int     `toml:"hysteresis_off"`
	ActiveMinRatio  float64 `toml:"active_min_ratio"`
	ActiveMaxRatio  float64 `toml:"active_max_ratio"`
	DTop            float64 `toml:"d_top"`
	DBot            float64 `toml:"d_bot"`
	TMinRep         float64 `toml:"t_min_rep"`
	SoftDeg         float64 `toml:"soft_deg"`
	HardDeg         float64 `toml:"hard_deg"`
	DTWBandFrac     float64 `toml:"dtw_band_frac"`

	// Pose detector.
	PoseBackend string `toml:"pose_backend"` // script | api | mock
	PoseScript  string `toml:"pose_script"`
	PoseModel   string `toml:"pose_model"`
	APIBaseURL  string `toml:"api_base_url"`
	APIKey      string `toml:"api_key"`
	APIModel    string `toml:"api_model"`

	// Detection cache.
	CacheSizeMB  int  `toml:"cache_size_mb"`
	CacheTTLSec  int  `toml:"cache_ttl_sec"`
	CacheEnabled bool `toml:"cache_enabled"`

	// Reference store.
	StoreBackend string `toml:"store_backend"` // memory | postgres | milvus
	PostgresURL  string `toml:"postgres_url"`
	MilvusAddr   string `toml:"milvus_addr"`
	ReferenceDir string `toml:"reference_dir"`

	// Profiles.
	ProfileDir string `toml:"profile_dir"`

	// Workspace and server.
	DataRoot          string `toml:"data_root"`
	WorkspaceTTLHours int    `toml:"workspace_ttl_hours"`
	ServerAddr        string `toml:"server_addr"`

	// Logging.
	LogLevel    string `toml:"log_level"`
	LogFile     string `toml:"log_file"`
	LogToStdout bool   `toml:"log_to_stdout"`
	LogJSON     bool   `toml:"log_json"`
	SentryDSN   string `toml:"sentry_dsn"`
}

// Default returns the documented defaults for every knob.
func Default() Config {
	return Config{
		ExtractFPS:      10,
		BatchSize:       8,
		SmoothingWindow: 5,
		ImputeMaxGap:    3,
		MotionThreshold: 1.5,
		MotionWindow:    3,
		HysteresisOn:    3,
		HysteresisOff:   5,
		ActiveMinRatio:  0.30,
		ActiveMaxRatio:  0.95,
		DTop:            0.80,
		DBot:            0.20,
		TMinRep:         0.4,
		SoftDeg:         8,
		HardDeg:         20,
		DTWBandFrac:     0.15,

		PoseBackend: "script",
		PoseModel:   "yolo26n-pose.pt",
		APIModel:    "gpt-4o-mini",

		CacheSizeMB:  64,
		CacheTTLSec:  3600,
		CacheEnabled: true,

		StoreBackend: "memory",
		ReferenceDir: "./data/references",

		DataRoot:          "./data",
		WorkspaceTTLHours: 24,
		ServerAddr:        ":8080",

		LogLevel:    "info",
		LogToStdout: true,
	}
}

// Load builds the config: defaults, then the optional TOML file, then
// POSECOACH_* environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ExtractFPS = envInt("POSECOACH_EXTRACT_FPS", c.ExtractFPS)
	c.BatchSize = envInt("POSECOACH_BATCH_SIZE", c.BatchSize)
	c.PoseBackend = envStr("POSECOACH_POSE_BACKEND", c.PoseBackend)
	c.PoseScript = envStr("POSECOACH_POSE_SCRIPT", c.PoseScript)
	c.PoseModel = envStr("POSECOACH_POSE_MODEL", c.PoseModel)
	c.APIBaseURL = envStr("POSECOACH_API_BASE_URL", c.APIBaseURL)
	c.APIKey = envStr("POSECOACH_API_KEY", c.APIKey)
	c.APIModel = envStr("POSECOACH_API_MODEL", c.APIModel)
	c.StoreBackend = envStr("POSECOACH_STORE", c.StoreBackend)
	c.PostgresURL = envStr("POSECOACH_POSTGRES_URL", c.PostgresURL)
	c.MilvusAddr = envStr("POSECOACH_MILVUS_ADDR", c.MilvusAddr)
	c.ReferenceDir = envStr("POSECOACH_REFERENCE_DIR", c.ReferenceDir)
	c.ProfileDir = envStr("POSECOACH_PROFILE_DIR", c.ProfileDir)
	c.DataRoot = envStr("POSECOACH_DATA_ROOT", c.DataRoot)
	c.ServerAddr = envStr("POSECOACH_ADDR", c.ServerAddr)
	c.LogLevel = envStr("POSECOACH_LOG_LEVEL", c.LogLevel)
	c.LogFile = envStr("POSECOACH_LOG_FILE", c.LogFile)
	c.SentryDSN = envStr("SENTRY_DSN", c.SentryDSN)
}

// Validate accumulates every range violation instead of stopping at the
// first, so a bad config file is reported in one pass.
func (c *Config) Validate() error {
	var errs error

	if c.ExtractFPS < 1 || c.ExtractFPS > 30 {
		errs = multierr.Append(errs, fmt.Errorf("extract_fps must be in [1,30], got %d", c.ExtractFPS))
	}
	if c.BatchSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.SmoothingWindow < 1 {
		errs = multierr.Append(errs, fmt.Errorf("smoothing_window must be >= 1, got %d", c.SmoothingWindow))
	}
	if c.ImputeMaxGap < 0 {
		errs = multierr.Append(errs, fmt.Errorf("impute_max_gap must be >= 0, got %d", c.ImputeMaxGap))
	}
	if c.MotionThreshold <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("motion_threshold must be > 0, got %g", c.MotionThreshold))
	}
	if c.MotionWindow < 1 {
		errs = multierr.Append(errs, fmt.Errorf("motion_window must be >= 1, got %d", c.MotionWindow))
	}
	if c.HysteresisOn < 1 || c.HysteresisOff < 1 {
		errs = multierr.Append(errs, fmt.Errorf("hysteresis_on/off must be >= 1, got %d/%d", c.HysteresisOn, c.HysteresisOff))
	}
	if c.DBot < 0 || c.DTop > 1 || c.DBot >= c.DTop {
		errs = multierr.Append(errs, fmt.Errorf("phase thresholds need 0 <= d_bot < d_top <= 1, got %g/%g", c.DBot, c.DTop))
	}
	if c.TMinRep <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("t_min_rep must be > 0, got %g", c.TMinRep))
	}
	if c.SoftDeg <= 0 || c.HardDeg <= 0 || c.SoftDeg > c.HardDeg {
		errs = multierr.Append(errs, fmt.Errorf("soft/hard degrees need 0 < soft <= hard, got %g/%g", c.SoftDeg, c.HardDeg))
	}
	if c.DTWBandFrac <= 0 || c.DTWBandFrac > 1 {
		errs = multierr.Append(errs, fmt.Errorf("dtw_band_frac must be in (0,1], got %g", c.DTWBandFrac))
	}
	if c.ActiveMinRatio < 0 || c.ActiveMaxRatio > 1 || c.ActiveMinRatio >= c.ActiveMaxRatio {
		errs = multierr.Append(errs, fmt.Errorf("active ratio bounds need 0 <= min < max <= 1, got %g/%g", c.ActiveMinRatio, c.ActiveMaxRatio))
	}

	switch c.PoseBackend {
	case "script", "api", "mock":
	default:
		errs = multierr.Append(errs, fmt.Errorf("pose_backend must be script, api or mock, got %q", c.PoseBackend))
	}
	switch c.StoreBackend {
	case "memory", "postgres", "milvus":
	default:
		errs = multierr.Append(errs, fmt.Errorf("store_backend must be memory, postgres or milvus, got %q", c.StoreBackend))
	}

	return errs
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Package config loads viamerun configuration from defaults, an optional
// YAML file, VIAMERUN_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
	"github.com/3leaps/viamerun/pkg/preflight"
)

// Identity of the configuration surface.
const (
	AppName    = "viamerun"
	EnvPrefix  = "VIAMERUN"
	ConfigName = "viamerun"
)

type Config struct {
	Viame   ViameConfig   `mapstructure:"viame"`
	Data    DataConfig    `mapstructure:"data"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Publish PublishConfig `mapstructure:"publish"`

	// ReadOnly refuses commands that start jobs, write datasets or publish.
	ReadOnly bool `mapstructure:"readonly"`
}

type ViameConfig struct {
	Path string `mapstructure:"path"`
}

type DataConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type JobsConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// PublishConfig is the default destination for job results. An empty
// Destination disables publishing unless a run asks for it.
type PublishConfig struct {
	Destination    string `mapstructure:"destination"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	// Preflight is "write-probe" (default) or "off".
	Preflight string `mapstructure:"preflight"`
}

// Settings converts the install and data paths for the dataset store.
func (c *Config) Settings() dataset.Settings {
	return dataset.Settings{
		Version:   dataset.SettingsCurrentVersion,
		ViamePath: c.Viame.Path,
		DataPath:  c.Data.Path,
	}
}

// EnvSpec binds one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile forces Load to read path instead of searching the default
// locations. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load resolves configuration and stores it for GetConfig. Each override is
// a nested map applied above every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	defaults := dataset.DefaultSettings(platform.Current())

	v.SetDefault("viame.path", defaults.ViamePath)
	v.SetDefault("data.path", defaults.DataPath)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("jobs.heartbeat_interval", jobs.DefaultHeartbeatInterval.String())
	v.SetDefault("readonly", false)

	v.SetDefault("publish.destination", "")
	v.SetDefault("publish.region", "")
	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.profile", "")
	v.SetDefault("publish.force_path_style", false)
	v.SetDefault("publish.preflight", string(preflight.ModeWriteProbe))
}

// Validate rejects values that would fail later at a less helpful point.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Profile {
	case "STRUCTURED", "CONSOLE":
	default:
		errs = append(errs, fmt.Errorf("logging.profile %q must be structured or console", c.Logging.Profile))
	}
	if c.Jobs.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("jobs.heartbeat_interval must not be negative"))
	}
	if _, err := preflight.ParseMode(c.Publish.Preflight); err != nil {
		errs = append(errs, fmt.Errorf("publish.preflight: %w", err))
	}
	if c.Viame.Path == "" {
		errs = append(errs, errors.New("viame.path is required"))
	}
	if c.Data.Path == "" {
		errs = append(errs, errors.New("data.path is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ConfigName+".yaml"))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName, ConfigName+".yaml"))
	}
	return paths
}

// getEnvSpecs lists the short aliases accepted besides the automatic
// VIAMERUN_<SECTION>_<KEY> names.
func getEnvSpecs() []EnvSpec {
	short := []EnvSpec{
		{"VIAME_PATH", "viame.path"},
		{"DATA_PATH", "data.path"},
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"HEARTBEAT_INTERVAL", "jobs.heartbeat_interval"},
		{"READONLY", "readonly"},
		{"PUBLISH_DESTINATION", "publish.destination"},
		{"PUBLISH_REGION", "publish.region"},
		{"PUBLISH_ENDPOINT", "publish.endpoint"},
		{"PUBLISH_PROFILE", "publish.profile"},
		{"PUBLISH_PREFLIGHT", "publish.preflight"},
	}
	specs := make([]EnvSpec, len(short))
	for i, s := range short {
		specs[i] = EnvSpec{Name: EnvPrefix + "_" + s.Name, Path: s.Path}
	}
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

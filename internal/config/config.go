package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/coolerctl/internal/curve"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultLogLevel applies when neither the config file nor flags set one.
const DefaultLogLevel = "info"

// Config is the shared schema for every coolerctl process. All
// processes read the same file; each consumes only its own sections.
type Config struct {
	Interval      int    `mapstructure:"interval"`
	LogLevel      string `mapstructure:"log_level"`
	Backoff       int    `mapstructure:"backoff"`
	Heartbeat     int    `mapstructure:"heartbeat"`
	VendorTimeout int    `mapstructure:"vendor_timeout"`
	Debug         bool   `mapstructure:"debug"`
	Verbose       bool   `mapstructure:"verbose"`

	Sockets  Sockets  `mapstructure:"sockets"`
	Cooling  Cooling  `mapstructure:"cooling"`
	GPU      GPU      `mapstructure:"gpu"`
	CPU      CPU      `mapstructure:"cpu"`
	Lighting Lighting `mapstructure:"lighting"`
	History  History  `mapstructure:"history"`
	Export   Export   `mapstructure:"export"`
}

// Sockets holds the listen/dial addresses for the process links.
type Sockets struct {
	Root    string `mapstructure:"root"`
	User    string `mapstructure:"user"`
	Display string `mapstructure:"display"`
}

// Cooling configures the liquid-cooling monitor and controller. An
// empty FanCurve falls back to the built-in liquid duty formula.
type Cooling struct {
	Enabled     bool          `mapstructure:"enabled"`
	Window      int           `mapstructure:"window"`
	Match       string        `mapstructure:"match"`
	FanChannel  string        `mapstructure:"fan_channel"`
	PumpChannel string        `mapstructure:"pump_channel"`
	FanCurve    []curve.Point `mapstructure:"fan_curve"`
	PumpDuty    int           `mapstructure:"pump_duty"`
	CPUWeight   float64       `mapstructure:"cpu_weight"`
}

// GPU configures the GPU monitor and controller. An empty FanCurve
// falls back to the built-in GPU duty formula.
type GPU struct {
	Enabled         bool          `mapstructure:"enabled"`
	Window          int           `mapstructure:"window"`
	FanCurve        []curve.Point `mapstructure:"fan_curve"`
	FanModifiers    []float64     `mapstructure:"fan_modifiers"`
	Hysteresis      int           `mapstructure:"hysteresis"`
	Floor           int           `mapstructure:"floor"`
	MaxTemperature  int           `mapstructure:"max_temperature"`
	PowerManagement bool          `mapstructure:"power_management"`
}

// CPU configures sensor reads and power-plan management.
type CPU struct {
	Enabled         bool     `mapstructure:"enabled"`
	Window          int      `mapstructure:"window"`
	Sensors         []string `mapstructure:"sensors"`
	Warm            int      `mapstructure:"warm"`
	Hot             int      `mapstructure:"hot"`
	PerformanceApps []string `mapstructure:"performance_apps"`
	BalancedApps    []string `mapstructure:"balanced_apps"`
	SysfsRoot       string   `mapstructure:"sysfs_root"`
}

// Lighting configures the temperature-to-color pipeline.
type Lighting struct {
	Enabled   bool     `mapstructure:"enabled"`
	DegreeMin float64  `mapstructure:"degree_min"`
	DegreeMax float64  `mapstructure:"degree_max"`
	Channels  []string `mapstructure:"channels"`
	Profile   string   `mapstructure:"profile"`
}

// History configures telemetry persistence on the routing host.
type History struct {
	Enabled      bool   `mapstructure:"enabled"`
	Database     string `mapstructure:"database"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"`
}

// Export configures the optional MQTT telemetry publisher.
type Export struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

// Load reads configuration from flags, environment and the TOML file,
// in that order of precedence. Callers pass their command-line
// arguments (os.Args[1:]); the file path can be overridden with
// --config or COOLERCTL_CONFIG.
func Load(args ...string) (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("coolerctl", pflag.ContinueOnError)
	configPath := flags.String("config", "", "Path to config file")
	debug := flags.Bool("debug", false, "Enable debugging mode")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warning, error)")
	interval := flags.Int("interval", 0, "Seconds between telemetry samples")

	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COOLERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case *configPath != "":
		v.SetConfigFile(*configPath)
	case os.Getenv("COOLERCTL_CONFIG") != "":
		v.SetConfigFile(os.Getenv("COOLERCTL_CONFIG"))
	default:
		v.SetConfigName("coolerctl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Flags the caller actually set override file and env values
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "debug":
			v.Set("debug", *debug)
		case "verbose":
			v.Set("verbose", *verbose)
		case "log-level":
			v.Set("log_level", *logLevel)
		case "interval":
			v.Set("interval", *interval)
		}
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Backoff <= 0 || c.Heartbeat <= 0 || c.VendorTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"backoff, heartbeat and vendor_timeout must be positive")
	}
	if c.Cooling.CPUWeight < 0 || c.Cooling.CPUWeight > 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "cooling.cpu_weight must be within [0, 1]")
	}
	if c.Cooling.PumpDuty < 0 || c.Cooling.PumpDuty > 100 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "cooling.pump_duty must be within [0, 100]")
	}
	if c.GPU.Hysteresis < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "gpu.hysteresis must not be negative")
	}
	if c.GPU.MaxTemperature <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "gpu.max_temperature must be positive")
	}
	if c.Lighting.DegreeMin >= c.Lighting.DegreeMax {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "lighting.degree_min must be below degree_max")
	}
	if c.History.Enabled && c.History.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "history.database is required when history is enabled")
	}
	if c.Export.Enabled && c.Export.Broker == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "export.broker is required when export is enabled")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", 3)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("backoff", 5)
	v.SetDefault("heartbeat", 3)
	v.SetDefault("vendor_timeout", 2)

	v.SetDefault("sockets.root", "127.0.0.1:9096")
	v.SetDefault("sockets.user", "127.0.0.1:9095")
	v.SetDefault("sockets.display", "127.0.0.1:9090")

	v.SetDefault("cooling.enabled", true)
	v.SetDefault("cooling.window", 7)
	v.SetDefault("cooling.match", "")
	v.SetDefault("cooling.fan_channel", "fan")
	v.SetDefault("cooling.pump_channel", "pump")
	v.SetDefault("cooling.pump_duty", 60)
	v.SetDefault("cooling.cpu_weight", 0.85)

	v.SetDefault("gpu.enabled", true)
	v.SetDefault("gpu.window", 10)
	v.SetDefault("gpu.fan_modifiers", []float64{0.001, 0.05})
	v.SetDefault("gpu.hysteresis", 4)
	v.SetDefault("gpu.floor", 50)
	v.SetDefault("gpu.max_temperature", 80)
	v.SetDefault("gpu.power_management", true)

	v.SetDefault("cpu.enabled", true)
	v.SetDefault("cpu.window", 7)
	v.SetDefault("cpu.sensors", []string{"k10temp", "coretemp", "zenpower"})
	v.SetDefault("cpu.warm", 39)
	v.SetDefault("cpu.hot", 42)
	v.SetDefault("cpu.performance_apps", []string{})
	v.SetDefault("cpu.balanced_apps", []string{})
	v.SetDefault("cpu.sysfs_root", "/sys/devices/system/cpu")

	v.SetDefault("lighting.enabled", true)
	v.SetDefault("lighting.degree_min", 30)
	v.SetDefault("lighting.degree_max", 46)
	v.SetDefault("lighting.channels", []string{"sync", "led", "logo", "ring", "external"})
	v.SetDefault("lighting.profile", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database", "/var/lib/coolerctl/history.db")
	v.SetDefault("history.batch_size", 100)
	v.SetDefault("history.batch_timeout", 30)

	v.SetDefault("export.enabled", false)
	v.SetDefault("export.broker", "tcp://localhost:1883")
	v.SetDefault("export.client_id", "coolerctl")
	v.SetDefault("export.topic", "coolerctl/telemetry")
}

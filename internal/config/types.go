package config

import (
	"sort"
	"time"
)

const (
	DefaultEntrypointCommand = "python3 /cloneDetection/entrypoint.py"
	DefaultBenchmarkMount    = "/cloneDetection/benchmark/"
	DefaultPollInterval      = 2 * time.Second
	DefaultStopTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultVolumeRetryDelay  = 1 * time.Second
	DefaultAbortPollInterval = 1 * time.Second

	DetectedClonesExtension = ".csv"
	ReportExtension         = ".report"
	ToolConfigExtension     = ".cfg"
	EntrypointConfigName    = "entrypoint.cfg"
	VerboseLogName          = "verbose.log"
	RunLogName              = "run.log"
	SummaryName             = "summary.csv"
)

type Config struct {
	Run        RunSettings       `yaml:"run"`
	Registry   *RegistryConfig   `yaml:"registry,omitempty"`
	Status     StatusConfig      `yaml:"status"`
	Results    ResultsConfig     `yaml:"results"`
	Archive    ArchiveConfig     `yaml:"archive"`
	Benchmarks []BenchmarkConfig `yaml:"benchmarks"`
	Detectors  []DetectorConfig  `yaml:"detectors"`
}

type RunSettings struct {
	Name              string        `yaml:"name"`
	RunsDir           string        `yaml:"runs_dir"`
	HostRunsDir       string        `yaml:"host_runs_dir,omitempty"`
	LogLevel          string        `yaml:"log_level"`
	EntrypointCommand string        `yaml:"entrypoint_command,omitempty"`
	BenchmarkMount    string        `yaml:"benchmark_mount,omitempty"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	StopTimeout       time.Duration `yaml:"stop_timeout,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	PullImages        bool          `yaml:"pull_images"`
}

type RegistryConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type StatusConfig struct {
	Path string `yaml:"path"`
}

type ResultsConfig struct {
	InfluxDB *DatabaseConfig `yaml:"influxdb,omitempty"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

type ArchiveConfig struct {
	Enabled bool               `yaml:"enabled"`
	Dir     string             `yaml:"dir"`
	Upload  *ObjectStoreConfig `yaml:"upload,omitempty"`
}

type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// BenchmarkConfig describes one packaged clone dataset.
type BenchmarkConfig struct {
	Name          string `yaml:"name"`
	PrettyName    string `yaml:"pretty_name"`
	Image         string `yaml:"image"`
	BenchmarkPath string `yaml:"benchmark_path"`
	// EntrypointConfig is an optional entrypoint.cfg template copied into every
	// detector directory of this benchmark at run setup.
	EntrypointConfig string `yaml:"entrypoint_config,omitempty"`
}

// DetectorConfig describes one containerized clone detector tool.
type DetectorConfig struct {
	Name                       string `yaml:"name"`
	Image                      string `yaml:"image"`
	MountpointBase             string `yaml:"mountpoint_base"`
	MountpointDetectorConfig   string `yaml:"mountpoint_detector_config"`
	MountpointEntrypointConfig string `yaml:"mountpoint_entrypoint_config"`
	// ConfigFile is an optional tool configuration copied to {name}.cfg at run setup.
	ConfigFile string `yaml:"config_file,omitempty"`
}

func (b BenchmarkConfig) DisplayName() string {
	if b.PrettyName != "" {
		return b.PrettyName
	}
	return b.Name
}

func (r RunSettings) GetPollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return DefaultPollInterval
}

func (r RunSettings) GetStopTimeout() time.Duration {
	if r.StopTimeout > 0 {
		return r.StopTimeout
	}
	return DefaultStopTimeout
}

func (r RunSettings) GetHeartbeatInterval() time.Duration {
	if r.HeartbeatInterval > 0 {
		return r.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (r RunSettings) GetEntrypointCommand() string {
	if r.EntrypointCommand != "" {
		return r.EntrypointCommand
	}
	return DefaultEntrypointCommand
}

func (r RunSettings) GetBenchmarkMount() string {
	if r.BenchmarkMount != "" {
		return r.BenchmarkMount
	}
	return DefaultBenchmarkMount
}

// GetBenchmarksSorted returns the benchmarks ordered by name.
func (c *Config) GetBenchmarksSorted() []BenchmarkConfig {
	benchmarks := make([]BenchmarkConfig, len(c.Benchmarks))
	copy(benchmarks, c.Benchmarks)
	sort.SliceStable(benchmarks, func(i, j int) bool {
		return benchmarks[i].Name < benchmarks[j].Name
	})
	return benchmarks
}

// Images returns every distinct image referenced by the plan.
func (c *Config) Images() []string {
	seen := make(map[string]bool)
	var images []string
	add := func(image string) {
		if image != "" && !seen[image] {
			seen[image] = true
			images = append(images, image)
		}
	}
	for _, b := range c.Benchmarks {
		add(b.Image)
	}
	for _, d := range c.Detectors {
		add(d.Image)
	}
	return images
}

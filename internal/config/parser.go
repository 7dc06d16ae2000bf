package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"clone-bench/internal/logging"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func LoadConfig(filepath string) (*Config, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	config, err := ParseConfig(expandEnvVars(originalContent))
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	return config, originalContent, nil
}

// ParseConfig decodes and validates an already expanded YAML document.
func ParseConfig(content string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, err
	}

	for i := range config.Detectors {
		config.Detectors[i].Name = strings.TrimSpace(config.Detectors[i].Name)
	}
	for i := range config.Benchmarks {
		config.Benchmarks[i].Name = strings.TrimSpace(config.Benchmarks[i].Name)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func validateConfig(config *Config) error {
	if err := ValidateRunName(config.Run.Name); err != nil {
		return err
	}

	if config.Run.RunsDir == "" {
		return fmt.Errorf("run.runs_dir is required")
	}

	if len(config.Benchmarks) == 0 {
		return fmt.Errorf("at least one benchmark must be defined")
	}

	if len(config.Detectors) == 0 {
		return fmt.Errorf("at least one detector must be defined")
	}

	benchmarks := make(map[string]bool)
	for i, b := range config.Benchmarks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("benchmark %d: %w", i, err)
		}
		if benchmarks[b.Name] {
			return fmt.Errorf("benchmark %s: name is already used", b.Name)
		}
		benchmarks[b.Name] = true
	}

	detectors := make(map[string]bool)
	for i, d := range config.Detectors {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("detector %d: %w", i, err)
		}
		if detectors[d.Name] {
			return fmt.Errorf("detector %s: name is already used", d.Name)
		}
		detectors[d.Name] = true
	}

	if db := config.Results.InfluxDB; db != nil {
		if db.Host == "" || db.Name == "" || db.Password == "" || db.Org == "" {
			return fmt.Errorf("incomplete influxdb configuration")
		}
	}

	if config.Archive.Enabled && config.Archive.Dir == "" {
		return fmt.Errorf("archive.dir is required when archiving is enabled")
	}
	if up := config.Archive.Upload; up != nil {
		if up.Endpoint == "" || up.Bucket == "" {
			return fmt.Errorf("archive.upload requires endpoint and bucket")
		}
		if strings.Contains(up.Endpoint, "://") {
			return fmt.Errorf("archive.upload endpoint must not include scheme: %q", up.Endpoint)
		}
	}

	return nil
}

func (b BenchmarkConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(b.Name, `/\`) {
		return fmt.Errorf("%s: name must not contain path separators", b.Name)
	}
	if b.Image == "" {
		return fmt.Errorf("%s: image is required", b.Name)
	}
	if b.BenchmarkPath == "" {
		return fmt.Errorf("%s: benchmark_path is required", b.Name)
	}
	return nil
}

func (d DetectorConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(d.Name, `/\`) {
		return fmt.Errorf("%s: name must not contain path separators", d.Name)
	}
	if d.Image == "" {
		return fmt.Errorf("%s: image is required", d.Name)
	}
	if d.MountpointBase == "" {
		return fmt.Errorf("%s: mountpoint_base is required", d.Name)
	}
	if d.MountpointDetectorConfig == "" {
		return fmt.Errorf("%s: mountpoint_detector_config is required", d.Name)
	}
	if d.MountpointEntrypointConfig == "" {
		return fmt.Errorf("%s: mountpoint_entrypoint_config is required", d.Name)
	}
	return nil
}

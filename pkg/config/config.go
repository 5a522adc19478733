package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

type Config struct {
	DefaultSettings DefaultSettings `yaml:"default_settings"`
	Trainer         Trainer         `yaml:"trainer"`
	Registry        Registry        `yaml:"registry"`
	Database        Database        `yaml:"database"`
	Elastic         Elastic         `yaml:"elastic"`
}

type DefaultSettings struct {
	Timeout int `yaml:"timeout"`
}

type Trainer struct {
	PythonBin  string   `yaml:"python_bin"`
	ScriptPath string   `yaml:"script_path"`
	Device     string   `yaml:"device"`
	NumWorkers int      `yaml:"num_workers"`
	OutputDir  string   `yaml:"output_dir"`
	EnvFiles   []string `yaml:"env_files"`
}

type Registry struct {
	HubBaseURL string `yaml:"hub_base_url"`
	CacheDir   string `yaml:"cache_dir"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

func (m *Manager) LoadConfig() error {
	if m.configPath == "" {
		m.configPath = m.findConfigFile()
	}

	if DebugLog != nil {
		DebugLog("loading config from %s", m.configPath)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found at %s. Please create one based on config.yaml.example", m.configPath)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := m.validateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = &config
	return nil
}

func applyDefaults(config *Config) {
	if config.DefaultSettings.Timeout == 0 {
		config.DefaultSettings.Timeout = 30
	}
	if config.Trainer.PythonBin == "" {
		config.Trainer.PythonBin = "python3"
	}
	if config.Trainer.Device == "" {
		config.Trainer.Device = "auto"
	}
	if config.Trainer.NumWorkers == 0 {
		config.Trainer.NumWorkers = 6
	}
	if config.Registry.HubBaseURL == "" {
		config.Registry.HubBaseURL = "https://huggingface.co"
	}
	if config.Registry.CacheDir == "" {
		config.Registry.CacheDir = GetModelCacheDir()
	}
	if config.Elastic.Index == "" {
		config.Elastic.Index = "finetuner_metrics"
	}
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath := filepath.Join(homeDir, ".finetuner", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return "config/config.yaml"
}

func (m *Manager) validateConfig(config *Config) error {
	if config.DefaultSettings.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}

	if config.Trainer.NumWorkers < 0 {
		return fmt.Errorf("trainer num_workers must not be negative")
	}

	if config.Database.Enabled {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required when database is enabled")
		}
		if config.Database.Port <= 0 {
			return fmt.Errorf("database port must be greater than 0")
		}
	}

	if config.Elastic.Enabled && config.Elastic.URL == "" {
		return fmt.Errorf("elastic url is required when elastic is enabled")
	}

	return nil
}

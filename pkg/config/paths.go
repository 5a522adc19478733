package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// windows: C:\Users\{user}\AppData\Roaming\finetuner
// macOS: ~/Library/Application Support/finetuner
// linux: ~/.config/finetuner
func GetConfigDir() string {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				panic(fmt.Sprintf("failed to get user home directory: %v", err))
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "finetuner")

	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get user home directory: %v", err))
		}
		configDir = filepath.Join(home, "Library", "Application Support", "finetuner")

	default:
		xdgConfig := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfig == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				panic(fmt.Sprintf("failed to get user home directory: %v", err))
			}
			xdgConfig = filepath.Join(home, ".config")
		}
		configDir = filepath.Join(xdgConfig, "finetuner")
	}

	return configDir
}

// windows: C:\Users\{user}\AppData\Local\finetuner
// macOS: ~/Library/Caches/finetuner
// linux: ~/.cache/finetuner
func GetCacheDir() string {
	var cacheDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				panic(fmt.Sprintf("failed to get user home directory: %v", err))
			}
			localAppData = filepath.Join(home, "AppData", "Local")
		}
		cacheDir = filepath.Join(localAppData, "finetuner")

	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get user home directory: %v", err))
		}
		cacheDir = filepath.Join(home, "Library", "Caches", "finetuner")

	default:
		xdgCache := os.Getenv("XDG_CACHE_HOME")
		if xdgCache == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				panic(fmt.Sprintf("failed to get user home directory: %v", err))
			}
			xdgCache = filepath.Join(home, ".cache")
		}
		cacheDir = filepath.Join(xdgCache, "finetuner")
	}

	return cacheDir
}

func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

func GetModelCacheDir() string {
	return filepath.Join(GetCacheDir(), "models")
}

func GetRunOutputDir() string {
	return filepath.Join(GetCacheDir(), "runs")
}

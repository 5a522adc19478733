package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// MergeEnvFiles reads dotenv files in order, later files overriding
// earlier ones. Missing files are an error; an empty list yields an
// empty map.
func MergeEnvFiles(paths ...string) (map[string]string, error) {
	merged := map[string]string{}

	for _, path := range paths {
		env, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		for k, v := range env {
			merged[k] = v
		}
		if DebugLog != nil {
			DebugLog("merged %d entries from env file %s", len(env), path)
		}
	}

	return merged, nil
}

// WriteEnvFile persists an env map as a dotenv file with sorted keys.
func WriteEnvFile(path string, env map[string]string) error {
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", path, err)
	}
	return nil
}

// ComposeTrainerEnv merges a trainer's env files and injects the derived
// entries the training script expects.
func ComposeTrainerEnv(cfg *Trainer) (map[string]string, error) {
	env, err := MergeEnvFiles(cfg.EnvFiles...)
	if err != nil {
		return nil, err
	}

	env["TRAINER_SERVER_URL"] = ServiceURL(env, "SERVER_HOST", "http://localhost", "SERVER_PORT", "8000")

	return env, nil
}

// EnvSlice flattens an env map into KEY=VALUE pairs for exec.Cmd.Env,
// layered on top of the current process environment.
func EnvSlice(env map[string]string) []string {
	out := os.Environ()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// ServiceURL builds a service URL from env entries with fallbacks, e.g.
// ServiceURL(env, "SERVER_HOST", "http://localhost", "SERVER_PORT", "8000").
func ServiceURL(env map[string]string, hostKey, hostDefault, portKey, portDefault string) string {
	host := env[hostKey]
	if host == "" {
		host = hostDefault
	}
	port := env[portKey]
	if port == "" {
		port = portDefault
	}
	return fmt.Sprintf("%s:%s", host, port)
}

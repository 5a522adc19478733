package finetune

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

// JobConfig describes a single fine-tuning job. Every field is optional;
// a partial config is merged against DefaultConfig() before a trainer
// ever sees it, and the merged result is treated as immutable.
type JobConfig struct {
	Model               string                 `json:"model,omitempty" yaml:"model,omitempty"`
	DataModule          map[string]interface{} `json:"data_module,omitempty" yaml:"data_module,omitempty"`
	MinEpochs           *int                   `json:"min_epochs,omitempty" yaml:"min_epochs,omitempty"`
	MaxEpochs           *int                   `json:"max_epochs,omitempty" yaml:"max_epochs,omitempty"`
	OptimizerType       string                 `json:"optimizer_type,omitempty" yaml:"optimizer_type,omitempty"`
	OptimizerProperty   map[string]interface{} `json:"optimizer_property,omitempty" yaml:"optimizer_property,omitempty"`
	LRSchedulerType     string                 `json:"lr_scheduler_type,omitempty" yaml:"lr_scheduler_type,omitempty"`
	LRSchedulerProperty map[string]interface{} `json:"lr_scheduler_property,omitempty" yaml:"lr_scheduler_property,omitempty"`
	LossFunction        string                 `json:"loss_function,omitempty" yaml:"loss_function,omitempty"`
}

// DefaultConfig returns a fresh copy of the global defaults. Maps are
// rebuilt on every call so callers can never mutate a shared instance.
func DefaultConfig() JobConfig {
	minEpochs := 10
	maxEpochs := 15

	return JobConfig{
		DataModule: map[string]interface{}{
			"dataset_name": "CIFAR10",
			"batch_size":   4,
		},
		MinEpochs:     &minEpochs,
		MaxEpochs:     &maxEpochs,
		OptimizerType: "Adam",
		OptimizerProperty: map[string]interface{}{
			"betas":        []float64{0.9, 0.99},
			"eps":          1e-08,
			"weight_decay": 0.0,
			"amsgrad":      false,
		},
		LRSchedulerType: "StepLR",
		LRSchedulerProperty: map[string]interface{}{
			"lr":        0.01,
			"step_size": 30,
		},
		LossFunction: "torch.nn.CrossEntropyLoss",
	}
}

// Merge overlays the partial config onto the defaults, whole field by
// whole field. Property maps are replaced as a unit, never deep-merged.
func Merge(partial JobConfig) JobConfig {
	merged := DefaultConfig()

	if partial.Model != "" {
		merged.Model = partial.Model
	}
	if partial.DataModule != nil {
		merged.DataModule = partial.DataModule
	}
	if partial.MinEpochs != nil {
		v := *partial.MinEpochs
		merged.MinEpochs = &v
	}
	if partial.MaxEpochs != nil {
		v := *partial.MaxEpochs
		merged.MaxEpochs = &v
	}
	if partial.OptimizerType != "" {
		merged.OptimizerType = partial.OptimizerType
	}
	if partial.OptimizerProperty != nil {
		merged.OptimizerProperty = partial.OptimizerProperty
	}
	if partial.LRSchedulerType != "" {
		merged.LRSchedulerType = partial.LRSchedulerType
	}
	if partial.LRSchedulerProperty != nil {
		merged.LRSchedulerProperty = partial.LRSchedulerProperty
	}
	if partial.LossFunction != "" {
		merged.LossFunction = partial.LossFunction
	}

	if DebugLog != nil {
		DebugLog("merged job config: model=%s optimizer=%s scheduler=%s epochs=%d-%d",
			merged.Model, merged.OptimizerType, merged.LRSchedulerType,
			*merged.MinEpochs, *merged.MaxEpochs)
	}

	return merged
}

// Validate checks a merged config before it is handed to a trainer.
func (c *JobConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required (set it in the job file or with -m)")
	}
	if c.MinEpochs == nil || c.MaxEpochs == nil {
		return fmt.Errorf("epoch bounds must be set")
	}
	if *c.MinEpochs <= 0 {
		return fmt.Errorf("min_epochs must be greater than 0")
	}
	if *c.MaxEpochs < *c.MinEpochs {
		return fmt.Errorf("max_epochs (%d) must not be less than min_epochs (%d)",
			*c.MaxEpochs, *c.MinEpochs)
	}
	return nil
}

// DatasetName pulls the dataset name out of the data_module property map.
func (c *JobConfig) DatasetName() string {
	if c.DataModule == nil {
		return ""
	}
	if name, ok := c.DataModule["dataset_name"].(string); ok {
		return name
	}
	return ""
}

// BatchSize pulls the batch size out of the data_module property map,
// tolerating the numeric types yaml and json decoders produce.
func (c *JobConfig) BatchSize() int {
	if c.DataModule == nil {
		return 0
	}
	return intProp(c.DataModule, "batch_size", 0)
}

// BaseLR returns the scheduler's configured learning rate.
func (c *JobConfig) BaseLR() float64 {
	return floatProp(c.LRSchedulerProperty, "lr", 0)
}

// StepSize returns the scheduler's configured step size.
func (c *JobConfig) StepSize() int {
	return intProp(c.LRSchedulerProperty, "step_size", 0)
}

func intProp(props map[string]interface{}, key string, fallback int) int {
	if props == nil {
		return fallback
	}
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatProp(props map[string]interface{}, key string, fallback float64) float64 {
	if props == nil {
		return fallback
	}
	switch v := props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// LoadJobFile reads a partial job config from a YAML or JSON file.
func LoadJobFile(path string) (JobConfig, error) {
	var partial JobConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return partial, fmt.Errorf("failed to read job file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &partial); err != nil {
			return partial, fmt.Errorf("failed to parse job file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &partial); err != nil {
			return partial, fmt.Errorf("failed to parse job file: %w", err)
		}
	}

	if DebugLog != nil {
		DebugLog("loaded job file %s", path)
	}

	return partial, nil
}

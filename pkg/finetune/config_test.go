package finetune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestDefaultConfig(t *testing.T) {
	def := DefaultConfig()

	assert.Equal(t, "", def.Model)
	assert.Equal(t, "CIFAR10", def.DataModule["dataset_name"])
	assert.Equal(t, 4, def.DataModule["batch_size"])
	require.NotNil(t, def.MinEpochs)
	require.NotNil(t, def.MaxEpochs)
	assert.Equal(t, 10, *def.MinEpochs)
	assert.Equal(t, 15, *def.MaxEpochs)
	assert.Equal(t, "Adam", def.OptimizerType)
	assert.Equal(t, []float64{0.9, 0.99}, def.OptimizerProperty["betas"])
	assert.Equal(t, 1e-08, def.OptimizerProperty["eps"])
	assert.Equal(t, 0.0, def.OptimizerProperty["weight_decay"])
	assert.Equal(t, false, def.OptimizerProperty["amsgrad"])
	assert.Equal(t, "StepLR", def.LRSchedulerType)
	assert.Equal(t, 0.01, def.LRSchedulerProperty["lr"])
	assert.Equal(t, 30, def.LRSchedulerProperty["step_size"])
	assert.Equal(t, "torch.nn.CrossEntropyLoss", def.LossFunction)

	// The default epoch bounds must be a valid range.
	assert.LessOrEqual(t, *def.MinEpochs, *def.MaxEpochs)
}

func TestDefaultConfigIsFresh(t *testing.T) {
	first := DefaultConfig()
	first.DataModule["batch_size"] = 128
	first.OptimizerProperty["eps"] = 1.0

	second := DefaultConfig()
	assert.Equal(t, 4, second.DataModule["batch_size"])
	assert.Equal(t, 1e-08, second.OptimizerProperty["eps"])
}

func TestMergeEmptyPartialYieldsDefaults(t *testing.T) {
	merged := Merge(JobConfig{})
	assert.Equal(t, DefaultConfig(), merged)
}

func TestMergePartialFieldsWin(t *testing.T) {
	partial := JobConfig{
		Model:     "resnet50",
		MaxEpochs: intPtr(30),
		OptimizerProperty: map[string]interface{}{
			"betas": []float64{0.5, 0.999},
		},
		LossFunction: "torch.nn.NLLLoss",
	}

	merged := Merge(partial)

	// Fields set in the partial take its values.
	assert.Equal(t, "resnet50", merged.Model)
	assert.Equal(t, 30, *merged.MaxEpochs)
	assert.Equal(t, "torch.nn.NLLLoss", merged.LossFunction)

	// Property maps replace as a whole, no deep merge.
	assert.Equal(t, map[string]interface{}{"betas": []float64{0.5, 0.999}}, merged.OptimizerProperty)

	// Everything else falls back to defaults.
	def := DefaultConfig()
	assert.Equal(t, def.DataModule, merged.DataModule)
	assert.Equal(t, *def.MinEpochs, *merged.MinEpochs)
	assert.Equal(t, def.OptimizerType, merged.OptimizerType)
	assert.Equal(t, def.LRSchedulerType, merged.LRSchedulerType)
	assert.Equal(t, def.LRSchedulerProperty, merged.LRSchedulerProperty)
}

func TestMergeDoesNotAliasPartialEpochs(t *testing.T) {
	epochs := 20
	partial := JobConfig{MinEpochs: &epochs, MaxEpochs: &epochs}

	merged := Merge(partial)
	epochs = 99

	assert.Equal(t, 20, *merged.MinEpochs)
	assert.Equal(t, 20, *merged.MaxEpochs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobConfig)
		wantErr string
	}{
		{
			name:   "valid merged config",
			mutate: func(c *JobConfig) { c.Model = "resnet50" },
		},
		{
			name:    "missing model",
			mutate:  func(c *JobConfig) {},
			wantErr: "model is required",
		},
		{
			name: "zero min epochs",
			mutate: func(c *JobConfig) {
				c.Model = "resnet50"
				c.MinEpochs = intPtr(0)
			},
			wantErr: "min_epochs must be greater than 0",
		},
		{
			name: "max below min",
			mutate: func(c *JobConfig) {
				c.Model = "resnet50"
				c.MinEpochs = intPtr(10)
				c.MaxEpochs = intPtr(5)
			},
			wantErr: "must not be less than min_epochs",
		},
		{
			name: "unset bounds",
			mutate: func(c *JobConfig) {
				c.Model = "resnet50"
				c.MinEpochs = nil
			},
			wantErr: "epoch bounds must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPropertyAccessors(t *testing.T) {
	def := DefaultConfig()
	assert.Equal(t, "CIFAR10", def.DatasetName())
	assert.Equal(t, 4, def.BatchSize())
	assert.Equal(t, 0.01, def.BaseLR())
	assert.Equal(t, 30, def.StepSize())

	// json decoding turns numbers into float64; accessors must cope.
	cfg := JobConfig{
		DataModule:          map[string]interface{}{"batch_size": float64(64)},
		LRSchedulerProperty: map[string]interface{}{"lr": 0.1, "step_size": float64(7)},
	}
	assert.Equal(t, 64, cfg.BatchSize())
	assert.Equal(t, 0.1, cfg.BaseLR())
	assert.Equal(t, 7, cfg.StepSize())

	empty := JobConfig{}
	assert.Equal(t, "", empty.DatasetName())
	assert.Equal(t, 0, empty.BatchSize())
}

func TestLoadJobFileYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "job.yaml")
	content := `
model: resnet50
data_module:
  dataset_name: CatsAndDogs
  batch_size: 8
max_epochs: 20
lr_scheduler_property:
  lr: 0.001
  step_size: 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	partial, err := LoadJobFile(path)
	require.NoError(t, err)

	assert.Equal(t, "resnet50", partial.Model)
	assert.Equal(t, "CatsAndDogs", partial.DatasetName())
	assert.Equal(t, 8, partial.BatchSize())
	require.NotNil(t, partial.MaxEpochs)
	assert.Equal(t, 20, *partial.MaxEpochs)
	assert.Nil(t, partial.MinEpochs)
	assert.Equal(t, 0.001, partial.BaseLR())
}

func TestLoadJobFileJSON(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "job.json")
	content := `{"model": "mobilenet_v2", "min_epochs": 5, "optimizer_type": "SGD"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	partial, err := LoadJobFile(path)
	require.NoError(t, err)

	assert.Equal(t, "mobilenet_v2", partial.Model)
	require.NotNil(t, partial.MinEpochs)
	assert.Equal(t, 5, *partial.MinEpochs)
	assert.Equal(t, "SGD", partial.OptimizerType)
	assert.Nil(t, partial.MaxEpochs)
}

func TestLoadJobFileErrors(t *testing.T) {
	_, err := LoadJobFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read job file")

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = LoadJobFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse job file")
}

package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tunelab/finetuner/pkg/finetune"
	"github.com/tunelab/finetuner/pkg/trainer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/model.pt"):
			w.Write([]byte("weights"))
		case strings.HasSuffix(r.URL.Path, "/config.json"):
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func fakeTrainerScript(t *testing.T, dir string) string {
	t.Helper()
	script := filepath.Join(dir, "trainer.py")
	body := `#!/bin/sh
cat > /dev/null
echo '{"type": "stage", "stage": "frozen-backbone"}'
echo '{"type": "epoch", "metrics": {"epoch": 0, "stage": "frozen-backbone", "train_loss": 1.2, "train_acc": 0.5, "val_loss": 1.1, "val_acc": 0.55}}'
echo '{"type": "epoch", "metrics": {"epoch": 1, "stage": "frozen-backbone", "train_loss": 0.8, "train_acc": 0.7, "val_loss": 0.9, "val_acc": 0.68}}'
echo '{"type": "done", "best_val_acc": 0.68, "checkpoint_path": "/tmp/best.pt"}'
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	return script
}

func newTestCoordinator(t *testing.T, hubURL string) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	script := fakeTrainerScript(t, dir)

	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
default_settings:
  timeout: 10
trainer:
  python_bin: sh
  script_path: %s
  device: cpu
  output_dir: %s
registry:
  hub_base_url: %s
  cache_dir: %s
`, script, filepath.Join(dir, "runs"), hubURL, filepath.Join(dir, "models"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	coord, err := NewCoordinator(configPath)
	require.NoError(t, err)
	return coord
}

func TestRunJobDryRun(t *testing.T) {
	coord := newTestCoordinator(t, "http://unused.example")

	result, err := coord.RunJob(context.Background(), RunOptions{
		Model:  "resnet50",
		DryRun: true,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "resnet50", result.Model)
	assert.Equal(t, "CIFAR10", result.Dataset)
	require.NotNil(t, result.Plan)
	assert.Len(t, result.Plan.Stages, 3)
	assert.Empty(t, result.Epochs)
}

func TestRunJobEndToEnd(t *testing.T) {
	hub := fakeHub(t)
	coord := newTestCoordinator(t, hub.URL)

	outputFile := filepath.Join(t.TempDir(), "run.txt")
	result, err := coord.RunJob(context.Background(), RunOptions{
		Model:      "resnet50",
		OutputFile: outputFile,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.JobID)
	require.Len(t, result.Epochs, 2)
	assert.Equal(t, 0.68, result.BestValAcc)
	assert.Equal(t, "/tmp/best.pt", result.CheckpointPath)

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "model: resnet50")
	assert.Contains(t, string(data), "best_val_acc: 0.6800")
}

func TestRunJobFromJobFile(t *testing.T) {
	hub := fakeHub(t)
	coord := newTestCoordinator(t, hub.URL)

	jobFile := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte(`
model: resnet50
max_epochs: 30
data_module:
  dataset_name: CatsAndDogs
  batch_size: 8
`), 0644))

	result, err := coord.RunJob(context.Background(), RunOptions{
		JobFile: jobFile,
		DryRun:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "CatsAndDogs", result.Dataset)
	assert.Equal(t, 30, result.Plan.MaxEpochs)
	// Unset fields fall back to the defaults.
	assert.Equal(t, 10, *result.Config.MinEpochs)
	assert.Equal(t, "Adam", result.Config.OptimizerType)
}

func TestRunJobModelFlagOverridesJobFile(t *testing.T) {
	coord := newTestCoordinator(t, "http://unused.example")

	jobFile := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte("model: resnet18\n"), 0644))

	result, err := coord.RunJob(context.Background(), RunOptions{
		JobFile: jobFile,
		Model:   "resnet50",
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "resnet50", result.Model)
}

func TestRunJobInvalidConfig(t *testing.T) {
	coord := newTestCoordinator(t, "http://unused.example")

	_, err := coord.RunJob(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	jobFile := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte("model: resnet50\nmin_epochs: 20\nmax_epochs: 5\n"), 0644))

	_, err = coord.RunJob(context.Background(), RunOptions{JobFile: jobFile})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid job config")
}

func TestWriteResultFileJSONL(t *testing.T) {
	coord := newTestCoordinator(t, "http://unused.example")

	result := &RunResult{
		JobID:   "job-abc",
		Model:   "resnet50",
		Dataset: "CIFAR10",
		Epochs: []trainer.EpochMetrics{
			{Epoch: 0, Stage: "frozen-backbone", TrainLoss: 1.2, ValAcc: 0.5},
			{Epoch: 1, Stage: "frozen-backbone", TrainLoss: 0.8, ValAcc: 0.6},
		},
	}

	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	require.NoError(t, coord.WriteResultFile(path, result, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"job_id":"job-abc"`)
	assert.Contains(t, lines[1], `"epoch":1`)
}

func TestMergedConfigIsImmutableAcrossRun(t *testing.T) {
	hub := fakeHub(t)
	coord := newTestCoordinator(t, hub.URL)

	result, err := coord.RunJob(context.Background(), RunOptions{Model: "resnet50"})
	require.NoError(t, err)

	// The result carries the merged config unchanged.
	assert.Equal(t, finetune.Merge(finetune.JobConfig{Model: "resnet50"}), result.Config)
}

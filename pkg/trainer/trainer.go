package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tunelab/finetuner/pkg/config"
	"github.com/tunelab/finetuner/pkg/finetune"
)

var DebugLog func(string, ...interface{})

const scriptName = "trainer_loop.py"

type Trainer struct {
	pythonBin  string
	scriptPath string
	device     string
	numWorkers int
	env        []string
}

// Request is the full job handed to the trainer subprocess on stdin.
type Request struct {
	JobID       string             `json:"job_id"`
	Config      finetune.JobConfig `json:"config"`
	Plan        *finetune.Plan     `json:"plan"`
	WeightsPath string             `json:"weights_path"`
	Device      string             `json:"device"`
	NumWorkers  int                `json:"num_workers"`
	OutputDir   string             `json:"output_dir"`
}

// EpochMetrics is one epoch's aggregate losses and accuracies.
type EpochMetrics struct {
	Epoch     int     `json:"epoch"`
	Stage     string  `json:"stage"`
	TrainLoss float64 `json:"train_loss"`
	TrainAcc  float64 `json:"train_acc"`
	ValLoss   float64 `json:"val_loss"`
	ValAcc    float64 `json:"val_acc"`
}

// Event is one line of the subprocess's stdout stream.
type Event struct {
	Type           string        `json:"type"`
	Stage          string        `json:"stage,omitempty"`
	Metrics        *EpochMetrics `json:"metrics,omitempty"`
	BestValAcc     float64       `json:"best_val_acc,omitempty"`
	CheckpointPath string        `json:"checkpoint_path,omitempty"`
	Error          string        `json:"error,omitempty"`
}

const (
	EventStage = "stage"
	EventEpoch = "epoch"
	EventDone  = "done"
	EventError = "error"
)

// Result summarizes a completed training run.
type Result struct {
	Epochs         []EpochMetrics
	BestValAcc     float64
	CheckpointPath string
}

func New(cfg *config.Trainer, env []string) (*Trainer, error) {
	scriptPath := cfg.ScriptPath
	if scriptPath == "" {
		_, filename, _, _ := runtime.Caller(0)
		scriptPath = filepath.Join(filepath.Dir(filename), scriptName)
	}

	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("trainer script not found at %s", scriptPath)
	}

	return &Trainer{
		pythonBin:  cfg.PythonBin,
		scriptPath: scriptPath,
		device:     cfg.Device,
		numWorkers: cfg.NumWorkers,
		env:        env,
	}, nil
}

// Run drives a full fine-tuning job. onEvent is invoked for every stage
// and epoch event as it arrives; returning an error from it aborts the
// run. Cancelling the context kills the subprocess.
func (t *Trainer) Run(ctx context.Context, req Request, onEvent func(Event) error) (*Result, error) {
	if req.Device == "" {
		req.Device = t.device
	}
	if req.NumWorkers == 0 {
		req.NumWorkers = t.numWorkers
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.pythonBin, t.scriptPath)
	cmd.Stdin = strings.NewReader(string(reqJSON))
	cmd.Stderr = os.Stderr
	if len(t.env) > 0 {
		cmd.Env = t.env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if DebugLog != nil {
		DebugLog("starting trainer subprocess: %s %s", t.pythonBin, t.scriptPath)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start trainer: %w", err)
	}

	result, runErr := consumeEvents(stdout, onEvent)
	if runErr != nil {
		// The child may still be writing; a full stdout pipe would make
		// Wait block forever. Kill it and drain what is left first.
		cmd.Process.Kill()
		io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if runErr != nil {
		return nil, runErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		return nil, fmt.Errorf("trainer exited with error: %w", waitErr)
	}
	if result == nil {
		return nil, fmt.Errorf("trainer exited without a final event")
	}

	return result, nil
}

func consumeEvents(r io.Reader, onEvent func(Event) error) (*Result, error) {
	var result *Result
	var epochs []EpochMetrics

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		event, err := ParseEvent([]byte(line))
		if err != nil {
			return nil, err
		}

		switch event.Type {
		case EventEpoch:
			epochs = append(epochs, *event.Metrics)
		case EventDone:
			result = &Result{
				Epochs:         epochs,
				BestValAcc:     event.BestValAcc,
				CheckpointPath: event.CheckpointPath,
			}
		case EventError:
			return nil, fmt.Errorf("trainer error: %s", event.Error)
		}

		if onEvent != nil {
			if err := onEvent(event); err != nil {
				return nil, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trainer output: %w", err)
	}

	return result, nil
}

// ParseEvent decodes and checks one event line.
func ParseEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("failed to parse trainer event: %w", err)
	}

	switch event.Type {
	case EventStage, EventDone, EventError:
	case EventEpoch:
		if event.Metrics == nil {
			return event, fmt.Errorf("epoch event without metrics")
		}
	default:
		return event, fmt.Errorf("unknown trainer event type %q", event.Type)
	}

	return event, nil
}

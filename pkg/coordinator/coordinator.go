package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tunelab/finetuner/pkg/config"
	"github.com/tunelab/finetuner/pkg/database"
	"github.com/tunelab/finetuner/pkg/elastic"
	"github.com/tunelab/finetuner/pkg/finetune"
	"github.com/tunelab/finetuner/pkg/registry"
	"github.com/tunelab/finetuner/pkg/session"
	"github.com/tunelab/finetuner/pkg/trainer"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

type Coordinator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *database.DB
}

type RunOptions struct {
	JobFile     string
	Model       string
	Device      string
	OutputFile  string
	JSONFormat  bool
	Stats       bool
	DryRun      bool
	ElasticPush bool
	Force       bool
}

type RunResult struct {
	JobID          string
	Model          string
	Dataset        string
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Config         finetune.JobConfig
	Plan           *finetune.Plan
	Epochs         []trainer.EpochMetrics
	BestValAcc     float64
	CheckpointPath string
	Success        bool
	Errors         []error
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

func NewCoordinator(configPath string) (*Coordinator, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})

	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Warnf("Database initialization failed: %v", err)
	}

	return &Coordinator{
		config:        cfg,
		configManager: configManager,
		logger:        logger,
		db:            db,
	}, nil
}

func (c *Coordinator) GetConfig() *config.Config {
	return c.config
}

func (c *Coordinator) GetDB() *database.DB {
	return c.db
}

// RunJob takes a partial job descriptor through the whole pipeline:
// merge with defaults, validate, plan the unfreezing schedule, fetch
// weights, drive the trainer, and record the lifecycle.
func (c *Coordinator) RunJob(ctx context.Context, options RunOptions) (*RunResult, error) {
	partial, err := c.loadPartialConfig(options)
	if err != nil {
		return nil, err
	}

	merged := finetune.Merge(partial)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job config: %w", err)
	}

	plan, err := finetune.BuildPlan(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to build training plan: %w", err)
	}

	result := &RunResult{
		JobID:     newJobID(),
		Model:     merged.Model,
		Dataset:   merged.DatasetName(),
		StartTime: time.Now(),
		Config:    merged,
		Plan:      plan,
	}

	c.logger.Infof("Job %s: fine-tuning %s on %s (%d-%d epochs, %s + %s)",
		result.JobID, merged.Model, result.Dataset,
		*merged.MinEpochs, *merged.MaxEpochs, merged.OptimizerType, merged.LRSchedulerType)

	if options.DryRun {
		c.logger.Infof("Dry run, training plan:")
		for _, line := range plan.Describe() {
			c.logger.Infof("  %s", line)
		}
		result.Success = true
		result.EndTime = time.Now()
		return result, nil
	}

	configJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job config: %w", err)
	}

	if err := c.db.CreateJob(database.JobRecord{
		JobID:      result.JobID,
		Model:      merged.Model,
		Dataset:    result.Dataset,
		MinEpochs:  *merged.MinEpochs,
		MaxEpochs:  *merged.MaxEpochs,
		ConfigJSON: string(configJSON),
	}); err != nil {
		c.logger.Warnf("Failed to record job in database: %v", err)
	}

	runErr := c.runTraining(ctx, options, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if runErr != nil {
		result.Errors = append(result.Errors, runErr)
		if err := c.db.MarkFailed(result.JobID, runErr.Error()); err != nil {
			c.logger.Warnf("Failed to mark job failed in database: %v", err)
		}
		return result, runErr
	}

	result.Success = true
	if err := c.db.MarkFinished(result.JobID); err != nil {
		c.logger.Warnf("Failed to mark job finished in database: %v", err)
	}

	c.logger.Infof("Job %s finished in %v, best validation accuracy %.4f",
		result.JobID, result.Duration.Round(time.Second), result.BestValAcc)

	if options.ElasticPush || c.config.Elastic.Enabled {
		if err := c.pushMetrics(ctx, result); err != nil {
			c.logger.Errorf("Elasticsearch indexing error: %v", err)
			result.Errors = append(result.Errors, err)
		}
	}

	if options.OutputFile != "" {
		if err := c.WriteResultFile(options.OutputFile, result, options.JSONFormat); err != nil {
			return result, fmt.Errorf("failed to write output file: %w", err)
		}
	}

	return result, nil
}

func (c *Coordinator) loadPartialConfig(options RunOptions) (finetune.JobConfig, error) {
	var partial finetune.JobConfig

	if options.JobFile != "" {
		loaded, err := finetune.LoadJobFile(options.JobFile)
		if err != nil {
			return partial, err
		}
		partial = loaded
	}

	if options.Model != "" {
		partial.Model = options.Model
	}

	return partial, nil
}

func (c *Coordinator) runTraining(ctx context.Context, options RunOptions, result *RunResult) error {
	sess, err := session.New(c.config)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	downloader := registry.NewDownloader(&c.config.Registry, sess)
	weightsPath, err := downloader.DownloadModel(result.Model, options.Force)
	if err != nil {
		return fmt.Errorf("failed to fetch pretrained weights: %w", err)
	}

	env, err := config.ComposeTrainerEnv(&c.config.Trainer)
	if err != nil {
		return err
	}

	tr, err := trainer.New(&c.config.Trainer, config.EnvSlice(env))
	if err != nil {
		return err
	}

	outputDir := c.config.Trainer.OutputDir
	if outputDir == "" {
		outputDir = config.GetRunOutputDir()
	}
	outputDir = filepath.Join(outputDir, result.JobID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create run output directory: %w", err)
	}

	if err := c.db.MarkRunning(result.JobID); err != nil {
		c.logger.Warnf("Failed to mark job running in database: %v", err)
	}

	device := options.Device
	if device == "" {
		device = c.config.Trainer.Device
	}

	trainResult, err := tr.Run(ctx, trainer.Request{
		JobID:       result.JobID,
		Config:      result.Config,
		Plan:        result.Plan,
		WeightsPath: weightsPath,
		Device:      device,
		OutputDir:   outputDir,
	}, func(event trainer.Event) error {
		return c.handleTrainerEvent(result, event)
	})
	if err != nil {
		return err
	}

	result.Epochs = trainResult.Epochs
	result.BestValAcc = trainResult.BestValAcc
	result.CheckpointPath = trainResult.CheckpointPath
	return nil
}

func (c *Coordinator) handleTrainerEvent(result *RunResult, event trainer.Event) error {
	switch event.Type {
	case trainer.EventStage:
		c.logger.Infof("Entering stage %s", event.Stage)
	case trainer.EventEpoch:
		m := event.Metrics
		c.logger.Infof("Epoch %d/%d: train_loss %.4f train_acc %.4f val_loss %.4f val_acc %.4f",
			m.Epoch+1, result.Plan.MaxEpochs, m.TrainLoss, m.TrainAcc, m.ValLoss, m.ValAcc)

		if err := c.db.RecordEpoch(database.MetricRecord{
			JobID:     result.JobID,
			Epoch:     m.Epoch,
			Stage:     m.Stage,
			TrainLoss: m.TrainLoss,
			TrainAcc:  m.TrainAcc,
			ValLoss:   m.ValLoss,
			ValAcc:    m.ValAcc,
		}); err != nil {
			c.logger.Warnf("Failed to record epoch metrics in database: %v", err)
		}
	}
	return nil
}

type metricDocument struct {
	JobID      string  `json:"job_id"`
	Model      string  `json:"model"`
	Dataset    string  `json:"dataset"`
	Epoch      int     `json:"epoch"`
	Stage      string  `json:"stage"`
	TrainLoss  float64 `json:"train_loss"`
	TrainAcc   float64 `json:"train_acc"`
	ValLoss    float64 `json:"val_loss"`
	ValAcc     float64 `json:"val_acc"`
	RecordedAt string  `json:"recorded_at"`
}

func (c *Coordinator) pushMetrics(ctx context.Context, result *RunResult) error {
	client, err := elastic.New(elastic.Config{
		URL:      c.config.Elastic.URL,
		Username: c.config.Elastic.Username,
		Password: c.config.Elastic.Password,
		Index:    c.config.Elastic.Index,
	})
	if err != nil {
		return err
	}

	docs := make([]interface{}, 0, len(result.Epochs))
	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range result.Epochs {
		docs = append(docs, metricDocument{
			JobID:      result.JobID,
			Model:      result.Model,
			Dataset:    result.Dataset,
			Epoch:      m.Epoch,
			Stage:      m.Stage,
			TrainLoss:  m.TrainLoss,
			TrainAcc:   m.TrainAcc,
			ValLoss:    m.ValLoss,
			ValAcc:     m.ValAcc,
			RecordedAt: now,
		})
	}

	if err := client.IndexDocuments(ctx, docs); err != nil {
		return err
	}

	c.logger.Infof("Indexed %d epoch metric documents into %s", len(docs), c.config.Elastic.Index)
	return nil
}

// WriteResultFile persists a run summary, either as JSONL epoch metrics
// or as a plain-text summary.
func (c *Coordinator) WriteResultFile(path string, result *RunResult, jsonFormat bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	if jsonFormat {
		enc := json.NewEncoder(f)
		for _, m := range result.Epochs {
			doc := metricDocument{
				JobID:     result.JobID,
				Model:     result.Model,
				Dataset:   result.Dataset,
				Epoch:     m.Epoch,
				Stage:     m.Stage,
				TrainLoss: m.TrainLoss,
				TrainAcc:  m.TrainAcc,
				ValLoss:   m.ValLoss,
				ValAcc:    m.ValAcc,
			}
			if err := enc.Encode(doc); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Fprintf(f, "job_id: %s\n", result.JobID)
	fmt.Fprintf(f, "model: %s\n", result.Model)
	fmt.Fprintf(f, "dataset: %s\n", result.Dataset)
	fmt.Fprintf(f, "duration: %v\n", result.Duration.Round(time.Second))
	fmt.Fprintf(f, "epochs: %d\n", len(result.Epochs))
	fmt.Fprintf(f, "best_val_acc: %.4f\n", result.BestValAcc)
	if result.CheckpointPath != "" {
		fmt.Fprintf(f, "checkpoint: %s\n", result.CheckpointPath)
	}
	return nil
}

func newJobID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("job-%s", hex.EncodeToString(b))
}

package finetune

import "fmt"

// AllGroups marks a stage where every backbone layer group is trainable.
const AllGroups = -1

// PlanStage is one phase of a gradual-unfreezing schedule. BackboneLR of 0
// means the backbone stays frozen for the stage (BatchNorm layers excepted
// when TrainBatchNorm is set on the plan).
type PlanStage struct {
	Name           string  `json:"name"`
	StartEpoch     int     `json:"start_epoch"`
	EndEpoch       int     `json:"end_epoch"`
	UnfrozenGroups int     `json:"unfrozen_groups"`
	BackboneLR     float64 `json:"backbone_lr"`
	ClassifierLR   float64 `json:"classifier_lr"`
}

// Plan is the full transfer-learning schedule for a job: frozen feature
// extractor first, then the last backbone layer groups, then everything.
type Plan struct {
	TrainBatchNorm bool        `json:"train_batch_norm"`
	MaxEpochs      int         `json:"max_epochs"`
	Stages         []PlanStage `json:"stages"`
}

// BuildPlan derives the schedule from a merged config. The canonical run
// unfreezes the last two backbone groups a third of the way in and the
// whole network at two thirds, with the backbone trailing the classifier
// by two orders of magnitude and each handoff dividing rates by ten.
func BuildPlan(cfg JobConfig) (*Plan, error) {
	if cfg.MaxEpochs == nil {
		return nil, fmt.Errorf("max_epochs must be set before planning")
	}

	maxEpochs := *cfg.MaxEpochs
	if maxEpochs <= 0 {
		return nil, fmt.Errorf("max_epochs must be greater than 0")
	}

	baseLR := cfg.BaseLR()
	if baseLR <= 0 {
		def := DefaultConfig()
		baseLR = def.BaseLR()
	}

	milestone1 := maxEpochs / 3
	milestone2 := 2 * maxEpochs / 3

	plan := &Plan{
		TrainBatchNorm: true,
		MaxEpochs:      maxEpochs,
	}

	if milestone1 > 0 {
		plan.Stages = append(plan.Stages, PlanStage{
			Name:           "frozen-backbone",
			StartEpoch:     0,
			EndEpoch:       milestone1,
			UnfrozenGroups: 0,
			BackboneLR:     0,
			ClassifierLR:   baseLR,
		})
	}
	if milestone2 > milestone1 {
		plan.Stages = append(plan.Stages, PlanStage{
			Name:           "partial-unfreeze",
			StartEpoch:     milestone1,
			EndEpoch:       milestone2,
			UnfrozenGroups: 2,
			BackboneLR:     baseLR / 100,
			ClassifierLR:   baseLR / 10,
		})
	}
	plan.Stages = append(plan.Stages, PlanStage{
		Name:           "full-unfreeze",
		StartEpoch:     milestone2,
		EndEpoch:       maxEpochs,
		UnfrozenGroups: AllGroups,
		BackboneLR:     baseLR / 1000,
		ClassifierLR:   baseLR / 100,
	})

	return plan, nil
}

// StageForEpoch returns the stage covering the given epoch.
func (p *Plan) StageForEpoch(epoch int) *PlanStage {
	for i := range p.Stages {
		s := &p.Stages[i]
		if epoch >= s.StartEpoch && epoch < s.EndEpoch {
			return s
		}
	}
	if len(p.Stages) > 0 {
		return &p.Stages[len(p.Stages)-1]
	}
	return nil
}

// Describe renders the schedule for dry-run output.
func (p *Plan) Describe() []string {
	lines := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		groups := "none"
		switch {
		case s.UnfrozenGroups == AllGroups:
			groups = "all"
		case s.UnfrozenGroups > 0:
			groups = fmt.Sprintf("last %d", s.UnfrozenGroups)
		}
		lines = append(lines, fmt.Sprintf(
			"%s: epochs %d-%d, unfrozen backbone groups: %s, backbone lr %g, classifier lr %g",
			s.Name, s.StartEpoch, s.EndEpoch-1, groups, s.BackboneLR, s.ClassifierLR))
	}
	return lines
}

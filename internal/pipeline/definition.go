// Package pipeline holds the immutable pipeline definition and the stage
// executor that drives one capability invocation per stage attempt.
package pipeline

import (
	"fmt"
	"time"
)

// Stage names for the default development pipeline.
const (
	StageInterpret = "interpret"
	StageAnalyze   = "analyze"
	StageGenerate  = "generate"
	StageTest      = "test"
	StageOpenPR    = "open-pr"
)

// StageSpec describes one stage of the pipeline: which capability to invoke,
// under what deadline, and how many attempts the retry policy may spend.
type StageSpec struct {
	Name        string
	Capability  string
	Timeout     time.Duration
	MaxAttempts int
	Retryable   bool
}

// Definition is the ordered list of stage specs. Configured once at process
// start and shared read-only by every task.
type Definition struct {
	stages []StageSpec
}

// NewDefinition validates and freezes an ordered stage list.
func NewDefinition(stages ...StageSpec) (*Definition, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d has empty name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Capability == "" {
			return nil, fmt.Errorf("stage %q has no capability", s.Name)
		}
		if s.Timeout <= 0 {
			return nil, fmt.Errorf("stage %q has non-positive timeout", s.Name)
		}
		if s.MaxAttempts < 1 {
			return nil, fmt.Errorf("stage %q has max attempts < 1", s.Name)
		}
	}
	return &Definition{stages: append([]StageSpec(nil), stages...)}, nil
}

// Default returns the standard five-stage development pipeline. Network-bound
// stages get more attempts than local CPU-bound ones; the test stage carries
// the repair budget.
func Default() *Definition {
	def, err := NewDefinition(
		StageSpec{Name: StageInterpret, Capability: StageInterpret, Timeout: 30 * time.Second, MaxAttempts: 2, Retryable: true},
		StageSpec{Name: StageAnalyze, Capability: StageAnalyze, Timeout: 2 * time.Minute, MaxAttempts: 3, Retryable: true},
		StageSpec{Name: StageGenerate, Capability: StageGenerate, Timeout: 5 * time.Minute, MaxAttempts: 3, Retryable: true},
		StageSpec{Name: StageTest, Capability: StageTest, Timeout: 10 * time.Minute, MaxAttempts: 3, Retryable: true},
		StageSpec{Name: StageOpenPR, Capability: StageOpenPR, Timeout: time.Minute, MaxAttempts: 5, Retryable: true},
	)
	if err != nil {
		panic(err) // static definition, cannot fail
	}
	return def
}

// Len returns the number of stages.
func (d *Definition) Len() int { return len(d.stages) }

// Stage returns the spec at index i.
func (d *Definition) Stage(i int) (StageSpec, error) {
	if i < 0 || i >= len(d.stages) {
		return StageSpec{}, fmt.Errorf("stage index %d out of range [0,%d)", i, len(d.stages))
	}
	return d.stages[i], nil
}

// Stages returns a copy of the ordered stage specs.
func (d *Definition) Stages() []StageSpec {
	return append([]StageSpec(nil), d.stages...)
}

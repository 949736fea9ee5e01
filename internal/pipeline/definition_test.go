package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefinitionValidation(t *testing.T) {
	valid := StageSpec{Name: "a", Capability: "a", Timeout: time.Second, MaxAttempts: 1}

	tests := []struct {
		name    string
		stages  []StageSpec
		wantErr string
	}{
		{"empty pipeline", nil, "at least one stage"},
		{"empty name", []StageSpec{{Capability: "a", Timeout: time.Second, MaxAttempts: 1}}, "empty name"},
		{"duplicate name", []StageSpec{valid, valid}, "duplicate stage name"},
		{"no capability", []StageSpec{{Name: "a", Timeout: time.Second, MaxAttempts: 1}}, "no capability"},
		{"zero timeout", []StageSpec{{Name: "a", Capability: "a", MaxAttempts: 1}}, "non-positive timeout"},
		{"zero attempts", []StageSpec{{Name: "a", Capability: "a", Timeout: time.Second}}, "max attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition(tt.stages...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultPipeline(t *testing.T) {
	def := Default()

	require.Equal(t, 5, def.Len())
	names := make([]string, 0, def.Len())
	for _, s := range def.Stages() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StageInterpret, StageAnalyze, StageGenerate, StageTest, StageOpenPR}, names)

	for _, s := range def.Stages() {
		assert.True(t, s.Retryable, "stage %s", s.Name)
		assert.GreaterOrEqual(t, s.MaxAttempts, 2, "stage %s", s.Name)
	}
}

func TestStageOutOfRange(t *testing.T) {
	def := Default()

	_, err := def.Stage(-1)
	assert.Error(t, err)
	_, err = def.Stage(def.Len())
	assert.Error(t, err)

	spec, err := def.Stage(0)
	require.NoError(t, err)
	assert.Equal(t, StageInterpret, spec.Name)
}

func TestStagesReturnsCopy(t *testing.T) {
	def := Default()
	stages := def.Stages()
	stages[0].Name = "mutated"

	spec, err := def.Stage(0)
	require.NoError(t, err)
	assert.Equal(t, StageInterpret, spec.Name)
}

package config

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

//go:embed triggers.yaml
var defaultTriggersYAML []byte

type triggerFile struct {
	MarkComplete []string `yaml:"mark_complete"`
	EndInterview []string `yaml:"end_interview"`
	Evaluate     []string `yaml:"evaluate"`
	AdvancePass  []string `yaml:"advance_pass"`
	ProbeCues    []string `yaml:"probe_cues"`
}

// LoadTriggerDetector builds the trigger detector from YAML. A nil or empty
// raw value loads the embedded default phrase file.
func LoadTriggerDetector(raw []byte) (*domain.Detector, error) {
	if len(raw) == 0 {
		raw = defaultTriggersYAML
	}
	var tf triggerFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("op=config.LoadTriggerDetector: %w", err)
	}
	phrases := map[domain.TriggerKind][]string{
		domain.TriggerMarkComplete: tf.MarkComplete,
		domain.TriggerEndInterview: tf.EndInterview,
		domain.TriggerEvaluate:     tf.Evaluate,
		domain.TriggerAdvancePass:  tf.AdvancePass,
	}
	return domain.NewDetector(phrases, tf.ProbeCues), nil
}

package domain

import "strings"

// TriggerKind classifies a user utterance as a state-transition command.
type TriggerKind int

const (
	TriggerNone TriggerKind = iota
	TriggerMarkComplete
	TriggerEndInterview
	TriggerEvaluate
	TriggerAdvancePass
)

// String returns a stable name for logging.
func (k TriggerKind) String() string {
	switch k {
	case TriggerMarkComplete:
		return "mark_complete"
	case TriggerEndInterview:
		return "end_interview"
	case TriggerEvaluate:
		return "evaluate"
	case TriggerAdvancePass:
		return "advance_pass"
	default:
		return "none"
	}
}

// triggerOrder is the dispatch precedence: completion wins over evaluation,
// evaluation over pass advancement.
var triggerOrder = []TriggerKind{
	TriggerMarkComplete,
	TriggerEndInterview,
	TriggerEvaluate,
	TriggerAdvancePass,
}

var defaultPhrases = map[TriggerKind][]string{
	TriggerMarkComplete: {
		"mark interview complete",
		"mark first pass complete",
		"interview is complete",
		"first pass is complete",
	},
	TriggerEndInterview: {
		"end interview",
		"end the interview",
		"finish the interview",
		"stop the interview",
	},
	TriggerEvaluate: {
		"evaluate interview",
		"evaluate the interview",
		"evaluate session",
		"run evaluation",
	},
	TriggerAdvancePass: {
		"start second interview",
		"start second pass",
		"begin second pass",
		"start the follow-up interview",
	},
}

var defaultProbeCues = []string{
	"difficult", "struggle", "struggled", "afraid", "fear",
	"proud", "regret", "conflict", "painful", "worried",
	"failure", "failed", "loss", "angry", "overwhelmed",
}

// Detector matches trigger phrases and probe cues as lower-cased substrings.
// It is pure: no I/O, deterministic, idempotent.
type Detector struct {
	phrases   map[TriggerKind][]string
	probeCues []string
}

// NewDetector builds a detector from explicit phrase lists. Empty maps or
// slices fall back to the built-in defaults per category.
func NewDetector(phrases map[TriggerKind][]string, probeCues []string) *Detector {
	d := &Detector{phrases: map[TriggerKind][]string{}, probeCues: probeCues}
	for _, k := range triggerOrder {
		if p := phrases[k]; len(p) > 0 {
			d.phrases[k] = lowered(p)
		} else {
			d.phrases[k] = defaultPhrases[k]
		}
	}
	if len(d.probeCues) == 0 {
		d.probeCues = defaultProbeCues
	} else {
		d.probeCues = lowered(d.probeCues)
	}
	return d
}

// DefaultDetector uses the compiled-in phrase lists.
func DefaultDetector() *Detector { return NewDetector(nil, nil) }

// Classify returns the highest-priority trigger whose phrase occurs in text.
// Empty input returns TriggerNone.
func (d *Detector) Classify(text string) TriggerKind {
	if text == "" {
		return TriggerNone
	}
	t := strings.ToLower(text)
	for _, k := range triggerOrder {
		for _, p := range d.phrases[k] {
			if strings.Contains(t, p) {
				return k
			}
		}
	}
	return TriggerNone
}

// HasProbeCue reports whether the text contains a narrative/emotional cue
// word that warrants an ad-hoc clarifying follow-up.
func (d *Detector) HasProbeCue(text string) bool {
	if text == "" {
		return false
	}
	t := strings.ToLower(text)
	for _, c := range d.probeCues {
		if strings.Contains(t, c) {
			return true
		}
	}
	return false
}

func lowered(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

package wizard

// Step identifies one screen of the story wizard.
type Step string

// Wizard steps in traversal order.
const (
	StepSelectChildren    Step = "SELECT_CHILDREN"
	StepSelectCategory    Step = "SELECT_CATEGORY"
	StepSelectCharacters  Step = "SELECT_CHARACTERS"
	StepSelectLocation    Step = "SELECT_LOCATION"
	StepSelectMode        Step = "SELECT_MODE"
	StepSelectMoral       Step = "SELECT_MORAL"
	StepFinalizeAndSubmit Step = "FINALIZE_AND_SUBMIT"
)

var stepOrder = []Step{
	StepSelectChildren,
	StepSelectCategory,
	StepSelectCharacters,
	StepSelectLocation,
	StepSelectMode,
	StepSelectMoral,
	StepFinalizeAndSubmit,
}

// Steps returns the wizard steps in order.
func Steps() []Step {
	out := make([]Step, len(stepOrder))
	copy(out, stepOrder)
	return out
}

// Index returns the zero-based position of s, or -1 for an unknown step.
func (s Step) Index() int {
	for i, st := range stepOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid reports whether s is one of the wizard steps.
func (s Step) IsValid() bool {
	return s.Index() >= 0
}

// Optional reports whether the step can be left without making a selection.
func (s Step) Optional() bool {
	switch s {
	case StepSelectCharacters, StepSelectLocation, StepSelectMoral:
		return true
	default:
		return false
	}
}

func (s Step) next() (Step, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stepOrder) {
		return s, false
	}
	return stepOrder[i+1], true
}

func (s Step) prev() (Step, bool) {
	i := s.Index()
	if i <= 0 {
		return s, false
	}
	return stepOrder[i-1], true
}

// StepProgress describes one step for progress indicators.
type StepProgress struct {
	Step      Step `json:"step"`
	Completed bool `json:"completed"`
	Current   bool `json:"current"`
	Optional  bool `json:"optional"`
}

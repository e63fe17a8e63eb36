package assessment

import (
	"github.com/ashureev/aether-labs/internal/domain"
)

// Snapshot is an immutable view of a Flow.
type Snapshot struct {
	Phase          domain.Phase          `json:"phase"`
	QuestionIndex  int                   `json:"question_index"`
	QuestionID     int                   `json:"question_id"`
	TotalQuestions int                   `json:"total_questions"`
	Direction      domain.Direction      `json:"direction"`
	Answers        map[int]string        `json:"answers"`
	Details        domain.ContactDetails `json:"details"`
	Submitting     bool                  `json:"submitting"`
	SubmitError    string                `json:"submit_error,omitempty"`
	ReceiptID      string                `json:"receipt_id,omitempty"`
	CanContinue    bool                  `json:"can_continue"`
	CanSubmit      bool                  `json:"can_submit"`
	Stages         []StageView           `json:"stages"`
	ActiveStage    int                   `json:"active_stage"`
	Progress       float64               `json:"progress"`
}

// StageView is the status of one processing stage.
type StageView struct {
	ID     string             `json:"id"`
	Status domain.StageStatus `json:"status"`
}

// Snapshot returns the current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Flow) snapshotLocked() Snapshot {
	stages := make([]StageView, len(f.stages))
	completed := 0
	for i, st := range f.stages {
		stages[i] = StageView{ID: f.cat.Stages[i].ID, Status: st}
		if st == domain.StageCompleted {
			completed++
		}
	}

	return Snapshot{
		Phase:          f.phase,
		QuestionIndex:  f.index,
		QuestionID:     f.cat.Questions[f.index].ID,
		TotalQuestions: len(f.cat.Questions),
		Direction:      f.direction,
		Answers:        copyAnswers(f.answers),
		Details:        f.details,
		Submitting:     f.pending,
		SubmitError:    f.submitErr,
		ReceiptID:      f.receiptID,
		CanContinue:    f.canContinueLocked(),
		CanSubmit:      f.canSubmitLocked(),
		Stages:         stages,
		ActiveStage:    f.activeStage,
		Progress:       f.progressLocked(completed),
	}
}

// progressLocked is a percentage: question steps out of questions+form while
// collecting answers, stage completion while processing.
func (f *Flow) progressLocked(completed int) float64 {
	steps := float64(len(f.cat.Questions) + 1)
	switch f.phase {
	case domain.PhaseQuestions:
		return float64(f.index+1) / steps * 100
	case domain.PhaseDetails:
		return 100
	case domain.PhaseProcessing:
		done := float64(completed)
		if f.activeStage >= 0 && f.stages[f.activeStage] == domain.StageActive {
			done += 0.5
		}
		return done / float64(len(f.stages)) * 100
	default:
		return 100
	}
}

// Package assessment implements the lead-qualification wizard: four
// multiple-choice questions, a contact form, a timed processing sequence and
// a completion screen.
package assessment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/ashureev/aether-labs/internal/domain"
)

const snapshotBuffer = 8

// Flow is one visitor's run through the assessment wizard. It is safe for
// concurrent use; every transition happens under a single mutex, and timer
// callbacks are dropped once the flow is closed.
type Flow struct {
	mu sync.Mutex

	cat       *catalog.Catalog
	sched     Scheduler
	submitter Submitter
	onExit    func()
	logger    *slog.Logger
	visitorID string

	phase     domain.Phase
	index     int
	direction domain.Direction
	answers   map[int]string
	details   domain.ContactDetails

	pending      bool
	submitErr    string
	receiptID    string
	cancelSubmit context.CancelFunc

	stages            []domain.StageStatus
	activeStage       int
	processingStarted bool
	timer             Timer

	closed  bool
	subs    map[int]chan Snapshot
	nextSub int
}

// Option configures a Flow.
type Option func(*Flow)

// WithScheduler sets the scheduler driving the submit delay and the
// processing sequence.
func WithScheduler(s Scheduler) Option {
	return func(f *Flow) { f.sched = s }
}

// WithSubmitter sets the lead submitter.
func WithSubmitter(s Submitter) Option {
	return func(f *Flow) { f.submitter = s }
}

// WithExit sets the collaborator invoked when the wizard hands control back
// to the page. It is called without the flow lock held.
func WithExit(fn func()) Option {
	return func(f *Flow) { f.onExit = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// WithVisitor tags the flow and its lead with a visitor id.
func WithVisitor(id string) Option {
	return func(f *Flow) { f.visitorID = id }
}

// NewFlow creates a wizard positioned on the first question.
func NewFlow(cat *catalog.Catalog, opts ...Option) *Flow {
	f := &Flow{
		cat:         cat,
		sched:       WallClock(),
		phase:       domain.PhaseQuestions,
		direction:   domain.DirectionForward,
		answers:     make(map[int]string, len(cat.Questions)),
		stages:      make([]domain.StageStatus, len(cat.Stages)),
		activeStage: -1,
		subs:        make(map[int]chan Snapshot),
	}
	for i := range f.stages {
		f.stages[i] = domain.StagePending
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.submitter == nil {
		f.submitter = SimulatedSubmitter{Logger: f.logger}
	}
	return f
}

// SelectAnswer records the answer for a question, replacing any earlier one.
func (f *Flow) SelectAnswer(questionID int, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.answers[questionID] = value
	f.notifyLocked()
}

// Advance moves to the next question, or to the contact form from the last
// question. It does nothing unless the current question has an answer.
func (f *Flow) Advance() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.canContinueLocked() {
		return false
	}

	if f.index < len(f.cat.Questions)-1 {
		f.direction = domain.DirectionForward
		f.index++
	} else {
		f.setPhaseLocked(domain.PhaseDetails)
	}
	f.notifyLocked()
	return true
}

// Retreat steps back. From the contact form it returns to the last question;
// from the first question it hands control back to the page without touching
// any state. It reports whether the exit collaborator was invoked.
func (f *Flow) Retreat() (exited bool) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}

	switch f.phase {
	case domain.PhaseDetails:
		if f.pending {
			f.mu.Unlock()
			return false
		}
		f.setPhaseLocked(domain.PhaseQuestions)
		f.index = len(f.cat.Questions) - 1
		f.direction = domain.DirectionBackward
	case domain.PhaseQuestions:
		if f.index == 0 {
			f.mu.Unlock()
			f.exit()
			return true
		}
		f.direction = domain.DirectionBackward
		f.index--
	default:
		f.mu.Unlock()
		return false
	}

	f.notifyLocked()
	f.mu.Unlock()
	return false
}

// SetDetails replaces the contact form. It is ignored outside the contact
// form and while a submission is pending.
func (f *Flow) SetDetails(d domain.ContactDetails) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.phase != domain.PhaseDetails || f.pending {
		return false
	}
	f.details = d
	f.notifyLocked()
	return true
}

// SubmitDetails starts the lead submission. It is accepted only when both
// required contact fields are filled and nothing is pending; after the submit
// delay the lead is handed to the submitter and the processing sequence
// starts.
func (f *Flow) SubmitDetails() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.canSubmitLocked() {
		return false
	}

	f.pending = true
	f.submitErr = ""
	ctx, cancel := context.WithCancel(context.Background())
	f.cancelSubmit = cancel
	lead := domain.Lead{
		VisitorID:   f.visitorID,
		Answers:     copyAnswers(f.answers),
		Contact:     f.details.Trimmed(),
		SubmittedAt: time.Now(),
	}

	f.timer = f.sched.AfterFunc(f.cat.Timings.SubmitDelay, func() {
		receipt, err := f.submitter.Submit(ctx, lead)
		f.finishSubmit(receipt, err)
	})
	f.notifyLocked()
	return true
}

func (f *Flow) finishSubmit(receipt string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.pending = false
	if f.cancelSubmit != nil {
		f.cancelSubmit()
		f.cancelSubmit = nil
	}
	if err != nil {
		f.logger.Warn("Assessment submission failed", "visitor_id", f.visitorID, "error", err)
		f.submitErr = "submission failed, please try again"
		f.notifyLocked()
		return
	}

	f.receiptID = receipt
	f.setPhaseLocked(domain.PhaseProcessing)
	f.startProcessingLocked()
	f.notifyLocked()
}

// startProcessingLocked kicks off the stage sequence. It runs at most once
// per flow.
func (f *Flow) startProcessingLocked() {
	if f.processingStarted {
		return
	}
	f.processingStarted = true
	f.scheduleLocked(f.cat.Timings.InitialDelay, func() { f.activateStageLocked(0) })
}

func (f *Flow) activateStageLocked(i int) {
	if i >= len(f.stages) {
		f.scheduleLocked(f.cat.Timings.FinalDelay, func() {
			f.setPhaseLocked(domain.PhaseSuccess)
		})
		return
	}
	f.stages[i] = domain.StageActive
	f.activeStage = i
	f.scheduleLocked(f.cat.Stages[i].Duration, func() {
		f.stages[i] = domain.StageCompleted
		f.scheduleLocked(f.cat.Timings.SettleDelay, func() { f.activateStageLocked(i + 1) })
	})
}

// scheduleLocked replaces the single pending timer. The callback runs with
// the lock held and is skipped once the flow is closed.
func (f *Flow) scheduleLocked(d time.Duration, fn func()) {
	f.timer = f.sched.AfterFunc(d, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			return
		}
		fn()
		f.notifyLocked()
	})
}

// Exit hands control back to the page from the completion screen.
func (f *Flow) Exit() bool {
	f.mu.Lock()
	if f.closed || f.phase != domain.PhaseSuccess {
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()
	f.exit()
	return true
}

func (f *Flow) exit() {
	if f.onExit != nil {
		f.onExit()
	}
}

// Close tears the flow down. The pending timer is stopped, a pending
// submission is cancelled, subscribers are released and any callback that
// still fires is ignored.
func (f *Flow) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if f.cancelSubmit != nil {
		f.cancelSubmit()
		f.cancelSubmit = nil
	}
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	return nil
}

// Closed reports whether Close has been called.
func (f *Flow) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Subscribe returns a channel receiving a snapshot after every change,
// starting with the current state. Slow readers only lose intermediate
// snapshots, never the latest one. The channel is closed by Close or by the
// returned cancel function.
func (f *Flow) Subscribe() (<-chan Snapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Snapshot, snapshotBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	ch <- f.snapshotLocked()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
}

func (f *Flow) notifyLocked() {
	if len(f.subs) == 0 {
		return
	}
	s := f.snapshotLocked()
	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
			// Drop the oldest snapshot to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (f *Flow) setPhaseLocked(p domain.Phase) {
	if f.phase == p {
		return
	}
	f.logger.Info("Assessment phase changed", "visitor_id", f.visitorID, "from", f.phase, "to", p)
	f.phase = p
}

func (f *Flow) canContinueLocked() bool {
	if f.phase != domain.PhaseQuestions {
		return false
	}
	return f.answers[f.cat.Questions[f.index].ID] != ""
}

func (f *Flow) canSubmitLocked() bool {
	return !f.closed && f.phase == domain.PhaseDetails && !f.pending && f.details.Valid()
}

func copyAnswers(in map[int]string) map[int]string {
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

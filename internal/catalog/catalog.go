// Package catalog holds the workshop content that drives the assessment
// wizard and the assistant: questions, processing stages, timings and the
// assistant prompt.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed workshop.yaml
var defaultWorkshop []byte

var (
	errNoQuestions = errors.New("catalog has no questions")
	errNoStages    = errors.New("catalog has no processing stages")

	// ErrUnknownQuestion is returned by CheckAnswer for a question id not in the catalog.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrUnknownOption is returned by CheckAnswer for an option code the question does not offer.
	ErrUnknownOption = errors.New("unknown option")
)

// Catalog is the complete workshop content.
type Catalog struct {
	Assistant Assistant  `yaml:"assistant" json:"-"`
	Timings   Timings    `yaml:"timings" json:"-"`
	Questions []Question `yaml:"questions" json:"questions"`
	Stages    []Stage    `yaml:"stages" json:"stages"`
}

// Assistant configures the chat assistant persona.
type Assistant struct {
	Name              string `yaml:"name"`
	Greeting          string `yaml:"greeting"`
	SystemInstruction string `yaml:"system_instruction"`
}

// Timings are the fixed delays of the assessment wizard.
type Timings struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	FinalDelay   time.Duration `yaml:"final_delay"`
	SubmitDelay  time.Duration `yaml:"submit_delay"`
}

// Question is one multiple-choice step of the assessment.
type Question struct {
	ID       int      `yaml:"id" json:"id"`
	Question string   `yaml:"question" json:"question"`
	Subtitle string   `yaml:"subtitle" json:"subtitle"`
	Options  []Option `yaml:"options" json:"options"`
}

// Option is an answer choice. Icon is a display hint only.
type Option struct {
	Value       string `yaml:"value" json:"value"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description"`
	Icon        string `yaml:"icon" json:"icon,omitempty"`
}

// Stage is one named step of the processing animation.
type Stage struct {
	ID       string        `yaml:"id" json:"id"`
	Command  string        `yaml:"command" json:"command"`
	Label    string        `yaml:"label" json:"label"`
	Sublabel string        `yaml:"sublabel" json:"sublabel"`
	Icon     string        `yaml:"icon" json:"icon,omitempty"`
	Duration time.Duration `yaml:"duration" json:"-"`
}

// Default returns the embedded workshop catalog.
func Default() (*Catalog, error) {
	return Parse(defaultWorkshop)
}

// MustDefault is Default for callers that treat a broken embedded catalog as a
// programming error.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic("catalog: " + err.Error())
	}
	return c
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

// Validate checks structural invariants the wizard relies on.
func (c *Catalog) Validate() error {
	if len(c.Questions) == 0 {
		return errNoQuestions
	}
	if len(c.Stages) == 0 {
		return errNoStages
	}

	seen := make(map[int]bool, len(c.Questions))
	for _, q := range c.Questions {
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %d", q.ID)
		}
		seen[q.ID] = true
		if len(q.Options) == 0 {
			return fmt.Errorf("question %d has no options", q.ID)
		}
		values := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if o.Value == "" {
				return fmt.Errorf("question %d has an option without a value", q.ID)
			}
			if values[o.Value] {
				return fmt.Errorf("question %d has duplicate option %q", q.ID, o.Value)
			}
			values[o.Value] = true
		}
	}

	stageIDs := make(map[string]bool, len(c.Stages))
	for _, s := range c.Stages {
		if s.ID == "" {
			return fmt.Errorf("stage without id")
		}
		if stageIDs[s.ID] {
			return fmt.Errorf("duplicate stage id %q", s.ID)
		}
		stageIDs[s.ID] = true
		if s.Duration <= 0 {
			return fmt.Errorf("stage %q must have a positive duration", s.ID)
		}
	}

	if c.Timings.InitialDelay < 0 || c.Timings.SettleDelay < 0 ||
		c.Timings.FinalDelay < 0 || c.Timings.SubmitDelay < 0 {
		return fmt.Errorf("timings cannot be negative")
	}
	if c.Assistant.Greeting == "" {
		return fmt.Errorf("assistant greeting cannot be empty")
	}
	return nil
}

// Question returns the question with the given id.
func (c *Catalog) Question(id int) (Question, bool) {
	for _, q := range c.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// HasOption reports whether value is a valid option code for question id.
func (c *Catalog) HasOption(id int, value string) bool {
	q, ok := c.Question(id)
	if !ok {
		return false
	}
	for _, o := range q.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// CheckAnswer validates an answer against the catalog.
func (c *Catalog) CheckAnswer(id int, value string) error {
	if _, ok := c.Question(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQuestion, id)
	}
	if !c.HasOption(id, value) {
		return fmt.Errorf("%w %q for question %d", ErrUnknownOption, value, id)
	}
	return nil
}

// ProcessingDuration is the time from entering processing to reaching success.
func (c *Catalog) ProcessingDuration() time.Duration {
	total := c.Timings.InitialDelay + c.Timings.FinalDelay
	for _, s := range c.Stages {
		total += s.Duration + c.Timings.SettleDelay
	}
	return total
}

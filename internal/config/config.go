package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var responseTypes = map[string]bool{
	"yes_no":          true,
	"text":            true,
	"number":          true,
	"date":            true,
	"file_upload":     true,
	"multiple_choice": true,
}

var stageTypes = map[string]bool{
	"standard":  true,
	"milestone": true,
	"approval":  true,
}

// Config models stageline.yml: engine tunables plus an optional
// pipeline template that can be applied to a tenant (or imported as the
// global template set).
type Config struct {
	Tenant struct {
		ID string `yaml:"id"`
	} `yaml:"tenant"`
	Engine struct {
		SLAWarningWindowHours int `yaml:"sla_warning_window_hours"`
		ReorderOffset         int `yaml:"reorder_offset"`
	} `yaml:"engine"`
	Pipeline struct {
		Stages []StageTemplate `yaml:"stages"`
	} `yaml:"pipeline"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type StageTemplate struct {
	Name             string               `yaml:"name"`
	StatusBucket     string               `yaml:"status_bucket"`
	StageType        string               `yaml:"stage_type"`
	MinDurationHours int                  `yaml:"min_duration_hours"`
	MaxDurationHours *int                 `yaml:"max_duration_hours,omitempty"`
	RequiresApproval bool                 `yaml:"requires_approval"`
	Questions        []QuestionTemplate   `yaml:"questions,omitempty"`
	Transitions      []TransitionTemplate `yaml:"transitions,omitempty"`
	Tasks            []TaskTemplateSpec   `yaml:"tasks,omitempty"`
}

type QuestionTemplate struct {
	Text            string   `yaml:"text"`
	ResponseType    string   `yaml:"response_type"`
	ResponseOptions []string `yaml:"response_options,omitempty"`
	IsRequired      bool     `yaml:"is_required"`
	HelpText        string   `yaml:"help_text,omitempty"`
}

// TransitionTemplate references stages and questions by name; ids are
// assigned when the template is applied.
type TransitionTemplate struct {
	Question    string `yaml:"question"`
	Condition   string `yaml:"condition"`
	ToStage     string `yaml:"to_stage"`
	IsAutomatic *bool  `yaml:"is_automatic,omitempty"`
}

type TaskTemplateSpec struct {
	Name           string   `yaml:"name"`
	Subtasks       []string `yaml:"subtasks,omitempty"`
	UploadRequired bool     `yaml:"upload_required"`
	SLAHours       *int     `yaml:"sla_hours,omitempty"`
	DueOffsetHours int      `yaml:"due_offset_hours"`
	Priority       string   `yaml:"priority"`
	AutoAssignRule string   `yaml:"auto_assign_rule,omitempty"`
	ClientVisible  bool     `yaml:"client_visible"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	TriggerSources []string `yaml:"trigger_sources,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl pipeline import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Engine.SLAWarningWindowHours < 0 {
		return fmt.Errorf("config.engine.sla_warning_window_hours must be >= 0")
	}
	if c.Engine.ReorderOffset != 0 && c.Engine.ReorderOffset < 1000 {
		return fmt.Errorf("config.engine.reorder_offset must exceed any realistic row count")
	}
	names := map[string]bool{}
	for i, st := range c.Pipeline.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline.stages[%d].name is required", i)
		}
		if names[st.Name] {
			return fmt.Errorf("pipeline stage name %q duplicated", st.Name)
		}
		names[st.Name] = true
		if st.StageType != "" && !stageTypes[st.StageType] {
			return fmt.Errorf("stage %q: unknown stage_type %q", st.Name, st.StageType)
		}
		questions := map[string]bool{}
		for _, q := range st.Questions {
			if q.Text == "" {
				return fmt.Errorf("stage %q has a question without text", st.Name)
			}
			if !responseTypes[q.ResponseType] {
				return fmt.Errorf("stage %q question %q: unknown response_type %q", st.Name, q.Text, q.ResponseType)
			}
			questions[q.Text] = true
		}
		for _, tr := range st.Transitions {
			if !questions[tr.Question] {
				return fmt.Errorf("stage %q transition references unknown question %q", st.Name, tr.Question)
			}
			if tr.Condition == "" {
				return fmt.Errorf("stage %q transition on %q has empty condition", st.Name, tr.Question)
			}
		}
	}
	// transition targets must resolve across the whole template
	for _, st := range c.Pipeline.Stages {
		for _, tr := range st.Transitions {
			if !names[tr.ToStage] {
				return fmt.Errorf("stage %q transition targets unknown stage %q", st.Name, tr.ToStage)
			}
		}
	}
	return nil
}

// SLAWarningWindowHours returns the configured warning window, falling
// back to the 2-hour default.
func (c *Config) SLAWarningWindowHours() int {
	if c == nil || c.Engine.SLAWarningWindowHours == 0 {
		return 2
	}
	return c.Engine.SLAWarningWindowHours
}

// ReorderOffset returns the two-phase reorder offset constant.
func (c *Config) ReorderOffset() int {
	if c == nil || c.Engine.ReorderOffset == 0 {
		return 1000000
	}
	return c.Engine.ReorderOffset
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  sla_warning_window_hours: 2
  reorder_offset: 1000000

pipeline:
  stages:
    - name: Lead Qualification
      status_bucket: open
      stage_type: standard
      min_duration_hours: 0
      questions:
        - text: "Have you qualified this lead?"
          response_type: yes_no
          is_required: true
          help_text: "Confirm budget, authority, need, and timeline."
      transitions:
        - question: "Have you qualified this lead?"
          condition: "Yes"
          to_stage: Initial Client Meeting
      tasks:
        - name: "Qualify lead"
          subtasks: ["Verify contact details", "Check budget range"]
          due_offset_hours: 24
          sla_hours: 48
          priority: normal
          auto_assign_rule: creator

    - name: Initial Client Meeting
      status_bucket: open
      stage_type: standard
      min_duration_hours: 0
      questions:
        - text: "Did the meeting take place?"
          response_type: yes_no
          is_required: true
        - text: "Meeting notes uploaded?"
          response_type: file_upload
      transitions:
        - question: "Did the meeting take place?"
          condition: "Yes"
          to_stage: Proposal Sent
      tasks:
        - name: "Schedule meeting"
          due_offset_hours: 48
          sla_hours: 72
          priority: high
          auto_assign_rule: "role:manager"

    - name: Proposal Sent
      status_bucket: open
      stage_type: milestone
      min_duration_hours: 0
      questions:
        - text: "Proposal acceptance score"
          response_type: number
          help_text: "0-100 likelihood the proposal is accepted."
      transitions:
        - question: "Proposal acceptance score"
          condition: ">=90"
          to_stage: Closed Won
      tasks:
        - name: "Send proposal"
          subtasks: ["Draft proposal", "Internal review", "Send to client"]
          upload_required: true
          due_offset_hours: 24
          sla_hours: 24
          priority: urgent
          auto_assign_rule: creator

    - name: Closed Won
      status_bucket: won
      stage_type: approval
      min_duration_hours: 0
      requires_approval: true
`

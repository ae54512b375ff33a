// ABOUTME: Template model: parameterized job recipes expanded at submission time.
// ABOUTME: Declares parameters with type tags, defaults and validation patterns.

package template

import "github.com/martingrgv/Strategic-RPA/internal/job"

// ParameterType tags how a parameter value is coerced. The set is closed.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeBoolean ParameterType = "boolean"
)

// Parameter declares one template input.
type Parameter struct {
	Name              string        `json:"name"`
	Type              ParameterType `json:"type"`
	Required          bool          `json:"required"`
	Default           string        `json:"default,omitempty"`
	ValidationPattern string        `json:"validationPattern,omitempty"`
	Description       string        `json:"description,omitempty"`
}

// StepTemplate has the shape of a job step but permits {token} placeholders
// in Target, Value and Description.
type StepTemplate struct {
	Order           int               `json:"order"`
	Type            job.StepType      `json:"type"`
	Target          string            `json:"target"`
	Value           string            `json:"value,omitempty"`
	TimeoutMs       int               `json:"timeoutMs,omitempty"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	Description     string            `json:"description,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

// Template is a parameterized job recipe.
type Template struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	ApplicationPath string         `json:"applicationPath"`
	Arguments       string         `json:"arguments,omitempty"`
	Parameters      []Parameter    `json:"parameters"`
	Steps           []StepTemplate `json:"steps"`
}

// Clone returns a deep copy.
func (t *Template) Clone() *Template {
	c := *t
	c.Parameters = append([]Parameter(nil), t.Parameters...)
	c.Steps = make([]StepTemplate, len(t.Steps))
	copy(c.Steps, t.Steps)
	for i, s := range t.Steps {
		if s.Parameters != nil {
			p := make(map[string]string, len(s.Parameters))
			for k, v := range s.Parameters {
				p[k] = v
			}
			c.Steps[i].Parameters = p
		}
	}
	return &c
}

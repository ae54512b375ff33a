// ABOUTME: Template engine: validates parameters, derives computed values,
// ABOUTME: substitutes {tokens} single-pass and expands templates into jobs.

package template

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/martingrgv/Strategic-RPA/internal/job"
)

// ErrTemplateNotFound indicates the requested template id is unknown.
var ErrTemplateNotFound = errors.New("template not found")

// ErrParamMissing indicates a required parameter was not supplied.
var ErrParamMissing = errors.New("required parameter missing")

// ErrParamInvalid indicates a parameter failed coercion or its validation
// pattern.
var ErrParamInvalid = errors.New("parameter invalid")

// ErrUnresolvedToken indicates a step's template text contained {tokens}
// that no parameter resolves. Unknown tokens stay literal in the string for
// debuggability but block expansion.
var ErrUnresolvedToken = errors.New("unresolved template token")

// DeriveFunc computes additional parameters from the validated inputs.
// Registered per template id; arithmetic templates use it for {result}.
type DeriveFunc func(params map[string]string) (map[string]string, error)

// ExpandOptions override job defaults at expansion time.
type ExpandOptions struct {
	Priority   job.Priority
	WebhookURL string
}

// Engine holds the template catalog and expands templates into jobs.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*Template
	derive    map[string]DeriveFunc
	logger    *slog.Logger
}

// NewEngine creates an empty template engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		templates: make(map[string]*Template),
		derive:    make(map[string]DeriveFunc),
		logger:    logger,
	}
}

// Register adds a template to the catalog, replacing any previous template
// with the same id. A derive function may be nil.
func (e *Engine) Register(t *Template, derive DeriveFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t.Clone()
	if derive != nil {
		e.derive[t.ID] = derive
	}
}

// Get returns a clone of the template, or ErrTemplateNotFound.
func (e *Engine) Get(id string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t.Clone(), nil
}

// List returns clones of all templates ordered by id.
func (e *Engine) List() []*Template {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expand validates params against the template's declarations, computes
// derived parameters, substitutes tokens into the step list and returns a
// fresh Pending job.
func (e *Engine) Expand(templateID string, params map[string]string, opts ExpandOptions) (*job.Job, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	derive := e.derive[templateID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrTemplateNotFound
	}

	resolved, err := e.resolveParams(t, params)
	if err != nil {
		return nil, err
	}

	if derive != nil {
		derived, err := derive(resolved)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParamInvalid, err)
		}
		for k, v := range derived {
			resolved[k] = v
		}
	}

	steps, err := expandSteps(t, resolved)
	if err != nil {
		return nil, err
	}

	j := job.New(t.Name, t.ApplicationPath, steps)
	j.Arguments = t.Arguments
	j.TemplateID = t.ID
	j.TemplateParameters = resolved
	if opts.Priority.Valid() {
		j.Priority = opts.Priority
	}
	j.WebhookURL = opts.WebhookURL

	e.logger.Debug("template expanded",
		"template_id", t.ID,
		"job_id", j.ID,
		"steps", len(steps),
	)
	return j, nil
}

// resolveParams applies defaults, requiredness, type coercion and
// validation patterns. Values are kept in string form; coercion only
// checks that the string parses as the declared type.
func (e *Engine) resolveParams(t *Template, params map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(t.Parameters))

	for _, p := range t.Parameters {
		value, supplied := params[p.Name]
		if !supplied || value == "" {
			if p.Required && p.Default == "" {
				return nil, fmt.Errorf("%w: %s", ErrParamMissing, p.Name)
			}
			value = p.Default
		}
		if value == "" {
			continue
		}

		if err := coerce(p.Type, value); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrParamInvalid, p.Name, err)
		}

		if p.ValidationPattern != "" {
			re, err := regexp.Compile(p.ValidationPattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: bad validation pattern: %v", ErrParamInvalid, p.Name, err)
			}
			if err := validation.Validate(value, validation.Match(re)); err != nil {
				return nil, fmt.Errorf("%w: %s does not match %q", ErrParamInvalid, p.Name, p.ValidationPattern)
			}
		}

		resolved[p.Name] = value
	}
	return resolved, nil
}

// coerce verifies the string form parses as the declared type.
func coerce(pt ParameterType, value string) error {
	switch pt {
	case TypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("not a number: %q", value)
		}
	case TypeBoolean:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("not a boolean: %q", value)
		}
	case TypeString, "":
		// Any string is fine.
	default:
		return fmt.Errorf("unknown parameter type %q", pt)
	}
	return nil
}

// expandSteps clones step templates in order and substitutes tokens.
// Any {token} in a step's target, value or description template text that
// no parameter resolves aborts expansion.
func expandSteps(t *Template, params map[string]string) ([]job.Step, error) {
	ordered := make([]StepTemplate, len(t.Steps))
	copy(ordered, t.Steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	names := sortedNames(params)
	steps := make([]job.Step, len(ordered))
	var unresolved []string

	for i, st := range ordered {
		// Tokens are checked against the template text, before
		// substitution, so braces arriving inside parameter values never
		// count as unresolved.
		unresolved = append(unresolved, unknownTokens(st.Target, params)...)
		unresolved = append(unresolved, unknownTokens(st.Value, params)...)
		unresolved = append(unresolved, unknownTokens(st.Description, params)...)

		target := substitute(st.Target, names, params)
		value := substitute(st.Value, names, params)
		description := substitute(st.Description, names, params)

		stepParams := st.Parameters
		if stepParams != nil {
			copied := make(map[string]string, len(stepParams))
			for k, v := range stepParams {
				copied[k] = substitute(v, names, params)
			}
			stepParams = copied
		}

		steps[i] = job.Step{
			Order:           st.Order,
			Type:            st.Type,
			Target:          target,
			Value:           value,
			TimeoutMs:       st.TimeoutMs,
			ContinueOnError: st.ContinueOnError,
			Description:     description,
			Parameters:      stepParams,
		}
	}

	if len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedToken, strings.Join(dedupeStrings(unresolved), ", "))
	}
	return steps, nil
}

// sortedNames returns parameter names longest-first so {num} never
// shadows {number} during substitution.
func sortedNames(params map[string]string) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}

// substitute replaces every {name} occurrence in a single left-to-right
// pass. Substituted values are never re-expanded; unknown tokens are left
// literal.
func substitute(s string, names []string, params map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}
		matched := false
		for _, name := range names {
			token := "{" + name + "}"
			if strings.HasPrefix(s[i:], token) {
				b.WriteString(params[name])
				i += len(token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// tokenPattern matches a {token} placeholder.
var tokenPattern = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// unknownTokens returns the placeholders in s that no parameter resolves.
func unknownTokens(s string, params map[string]string) []string {
	var out []string
	for _, token := range tokenPattern.FindAllString(s, -1) {
		name := token[1 : len(token)-1]
		if _, ok := params[name]; !ok {
			out = append(out, token)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Package prompt assembles the exact text sent to the model: template
// rendering and few-shot example injection. Nothing here touches the
// network.
package prompt

import (
	"sort"
	"strings"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
)

// DefaultPlaceholder is the marker the goinfer server itself uses in its
// templates.
const DefaultPlaceholder = "{prompt}"

// Template is a prompt pattern with a single substitution placeholder.
type Template struct {
	Pattern string
	// Placeholder defaults to DefaultPlaceholder when empty.
	Placeholder string
}

// New returns a Template using the default placeholder.
func New(pattern string) Template {
	return Template{Pattern: pattern}
}

func (t Template) placeholder() string {
	if t.Placeholder == "" {
		return DefaultPlaceholder
	}
	return t.Placeholder
}

// Validate checks that the placeholder occurs exactly once.
func (t Template) Validate() error {
	ph := t.placeholder()
	if n := strings.Count(t.Pattern, ph); n != 1 {
		return &apierrors.TemplateError{Pattern: t.Pattern, Placeholder: ph, Count: n}
	}
	return nil
}

// Render substitutes body for the placeholder. Substitution is a single
// literal pass: a body that itself contains the placeholder is left as is.
func (t Template) Render(body string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	before, after, _ := strings.Cut(t.Pattern, t.placeholder())
	return before + body + after, nil
}

// RenderVars renders body into the main placeholder and replaces every
// secondary marker (e.g. "{instruction}") found in the pattern. The
// replacement is one pass over the pattern only: neither body nor the
// values are scanned for markers.
func (t Template) RenderVars(body string, vars map[string]string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	markers := make([]string, 0, len(vars))
	for marker := range vars {
		if marker != "" {
			markers = append(markers, marker)
		}
	}
	sort.Strings(markers)
	pairs := make([]string, 0, 2*len(markers))
	for _, marker := range markers {
		pairs = append(pairs, marker, vars[marker])
	}
	r := strings.NewReplacer(pairs...)

	before, after, _ := strings.Cut(t.Pattern, t.placeholder())
	return r.Replace(before) + body + r.Replace(after), nil
}

// Bind returns a copy of t with the secondary markers in vars replaced in
// the pattern, leaving the main placeholder in place. A value that
// contains the placeholder makes the result invalid.
func (t Template) Bind(vars map[string]string) (Template, error) {
	const hole = "\x00"
	pattern, err := t.RenderVars(hole, vars)
	if err != nil {
		return Template{}, err
	}
	bound := Template{
		Pattern:     strings.Replace(pattern, hole, t.placeholder(), 1),
		Placeholder: t.Placeholder,
	}
	return bound, bound.Validate()
}

// Render is shorthand for New(pattern).Render(body).
func Render(pattern, body string) (string, error) {
	return New(pattern).Render(body)
}

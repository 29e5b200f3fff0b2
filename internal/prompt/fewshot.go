package prompt

import "strings"

// Example is one worked input/output pair shown to the model before the
// real query.
type Example struct {
	Input  string `json:"input"  yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// FewShot assembles few-shot prompts from a base template.
type FewShot struct {
	Base Template
	// Separator goes between every rendered instance and worked answer.
	Separator string
}

// NewFewShot returns a FewShot joining parts with a newline.
func NewFewShot(base Template) FewShot {
	return FewShot{Base: base, Separator: "\n"}
}

// Build renders base once per example with the example's input followed
// by its output, then once more with query as the final, unanswered
// instance. Examples keep their order. With no examples the result equals
// base.Render(query).
func (f FewShot) Build(examples []Example, query string) (string, error) {
	if err := f.Base.Validate(); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, ex := range examples {
		shot, err := f.Base.Render(ex.Input)
		if err != nil {
			return "", err
		}
		sb.WriteString(shot)
		sb.WriteString(f.Separator)
		sb.WriteString(ex.Output)
		sb.WriteString(f.Separator)
	}

	final, err := f.Base.Render(query)
	if err != nil {
		return "", err
	}
	sb.WriteString(final)
	return sb.String(), nil
}

// Build is shorthand for NewFewShot(base).Build(examples, query).
func Build(base Template, examples []Example, query string) (string, error) {
	return NewFewShot(base).Build(examples, query)
}

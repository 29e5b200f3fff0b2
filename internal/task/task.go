// Package task reads YAML task files: a named prompt template with the
// model and inference options to run it with.
//
//	name: summarize
//	template: "<s>[INST] Summarize: {prompt}{instruction} [/INST]"
//	modelConf:
//	  - name: mistral-7b-instruct-v0.1.Q4_K_M.gguf
//	    ctx: 4096
//	inferParams:
//	  - stream: true
//	    temperature: 0.2
//	examples:
//	  - input: ...
//	    output: ...
//
// modelConf and inferParams may also be plain mappings.
package task

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhengjr9/goinfer-client/internal/goinfer"
	"github.com/zhengjr9/goinfer-client/internal/prompt"
)

// InstructionMarker is replaced in the template by the request's
// instruction, preceded by a blank line, or by nothing.
const InstructionMarker = "{instruction}"

// Task is a parsed task file.
type Task struct {
	Name     string
	Template string
	// Model is nil when the file names no model.
	Model    *goinfer.ModelSpec
	Stream   bool
	Params   goinfer.SamplingParams
	Examples []prompt.Example
}

type rawTask struct {
	Name        string           `yaml:"name"`
	Template    string           `yaml:"template"`
	ModelConf   settings         `yaml:"modelConf"`
	InferParams settings         `yaml:"inferParams"`
	Examples    []prompt.Example `yaml:"examples"`
}

// settings accepts a mapping or a list of single-entry mappings.
type settings map[string]any

func (s *settings) UnmarshalYAML(node *yaml.Node) error {
	out := settings{}
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]any
		if err := node.Decode(&m); err != nil {
			return err
		}
		for k, v := range m {
			out[k] = v
		}
	case yaml.SequenceNode:
		var items []map[string]any
		if err := node.Decode(&items); err != nil {
			return err
		}
		for _, item := range items {
			for k, v := range item {
				out[k] = v
			}
		}
	default:
		return fmt.Errorf("line %d: expected a mapping or a list of mappings", node.Line)
	}
	*s = out
	return nil
}

// Read loads the task file at path, appending ".yml" when path has no
// YAML extension.
func Read(path string) (*Task, error) {
	if !strings.HasSuffix(path, ".yml") && !strings.HasSuffix(path, ".yaml") {
		path += ".yml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("task file %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a task from YAML.
func Parse(data []byte) (*Task, error) {
	var raw rawTask
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if raw.Template == "" {
		return nil, fmt.Errorf("task %s: template is required", raw.Name)
	}

	t := &Task{Name: raw.Name, Template: raw.Template, Examples: raw.Examples}
	if err := t.applyModel(raw.ModelConf); err != nil {
		return nil, fmt.Errorf("task %s: modelConf: %w", raw.Name, err)
	}
	if err := t.applyParams(raw.InferParams); err != nil {
		return nil, fmt.Errorf("task %s: inferParams: %w", raw.Name, err)
	}
	return t, nil
}

func (t *Task) applyModel(conf settings) error {
	if len(conf) == 0 {
		return nil
	}
	name, ok := conf["name"].(string)
	if !ok {
		return fmt.Errorf("name must be a string, got %T", conf["name"])
	}
	ctx := 2048
	if v, ok := conf["ctx"]; ok {
		n, err := toInt(v, "ctx")
		if err != nil {
			return err
		}
		ctx = n
	}
	spec, err := goinfer.NewModelSpec(name, ctx)
	if err != nil {
		return err
	}
	t.Model = &spec
	return nil
}

func (t *Task) applyParams(params settings) error {
	p := &t.Params
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := params[k]
		var err error
		switch k {
		case "stream":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("stream must be a boolean, got %T", v)
			}
			t.Stream = b
		case "temperature":
			p.Temperature, err = floatParam(v, k)
		case "top_p":
			p.TopP, err = floatParam(v, k)
		case "min_p":
			p.MinP, err = floatParam(v, k)
		case "repeat_penalty":
			p.RepeatPenalty, err = floatParam(v, k)
		case "frequency_penalty":
			p.FrequencyPenalty, err = floatParam(v, k)
		case "presence_penalty":
			p.PresencePenalty, err = floatParam(v, k)
		case "tfs_z":
			p.TailFreeZ, err = floatParam(v, k)
		case "top_k":
			p.TopK, err = intParam(v, k)
		case "n_predict":
			p.NPredict, err = intParam(v, k)
		case "threads":
			p.Threads, err = intParam(v, k)
		case "stop":
			p.Stop, err = stopParam(v)
		default:
			if p.Extra == nil {
				p.Extra = map[string]any{}
			}
			p.Extra[k] = v
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Request builds a completion request for body. When the task has
// examples the prompt is a few-shot prompt; instruction, if any, fills
// the {instruction} marker.
func (t *Task) Request(body, instruction string) (goinfer.CompletionRequest, error) {
	value := ""
	if instruction != "" {
		value = "\n\n" + instruction
	}
	tmpl, err := prompt.New(t.Template).Bind(map[string]string{InstructionMarker: value})
	if err != nil {
		return goinfer.CompletionRequest{}, fmt.Errorf("task %s: %w", t.Name, err)
	}
	text, err := prompt.Build(tmpl, t.Examples, body)
	if err != nil {
		return goinfer.CompletionRequest{}, fmt.Errorf("task %s: %w", t.Name, err)
	}
	return goinfer.CompletionRequest{
		Prompt: text,
		Model:  t.Model,
		Stream: t.Stream,
		Params: t.Params,
	}, nil
}

func toInt(v any, name string) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
		return 0, fmt.Errorf("%s must be an integer, got %g", name, n)
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", name, v)
	}
}

func intParam(v any, name string) (*int, error) {
	n, err := toInt(v, name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func floatParam(v any, name string) (*float64, error) {
	switch n := v.(type) {
	case float64:
		return &n, nil
	case int:
		f := float64(n)
		return &f, nil
	default:
		return nil, fmt.Errorf("%s must be a number, got %T", name, v)
	}
}

func stopParam(v any) ([]string, error) {
	switch s := v.(type) {
	case string:
		return []string{s}, nil
	case []any:
		out := make([]string, len(s))
		for i, item := range s {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("stop must be a list, got %T", v)
	}
}

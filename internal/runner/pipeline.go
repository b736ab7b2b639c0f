// Package runner executes pipeline command steps on the local machine.
package runner

import (
	"fmt"
	"os"
	"strconv"

	"github.com/zulandar/kite/internal/lint"
	"gopkg.in/yaml.v3"
)

// Pipeline is the subset of a pipeline definition needed to run steps locally.
type Pipeline struct {
	Env   map[string]string
	Steps []Step
}

// Step is one step, flattened out of any group. Index is 1-based in file order.
type Step struct {
	Index    int
	Type     lint.StepType
	Key      string
	Label    string
	Group    string
	Commands []string
	Env      map[string]string
}

// Name returns the best human-readable identifier for the step.
func (s Step) Name() string {
	switch {
	case s.Label != "":
		return s.Label
	case s.Key != "":
		return s.Key
	case len(s.Commands) > 0:
		return s.Commands[0]
	default:
		return fmt.Sprintf("%s step #%d", s.Type, s.Index)
	}
}

type rawStep struct {
	Label    string            `yaml:"label"`
	Name     string            `yaml:"name"`
	Key      string            `yaml:"key"`
	Group    string            `yaml:"group"`
	Block    string            `yaml:"block"`
	Input    string            `yaml:"input"`
	Trigger  string            `yaml:"trigger"`
	Command  yaml.Node         `yaml:"command"`
	Commands yaml.Node         `yaml:"commands"`
	Script   yaml.Node         `yaml:"script"`
	Env      map[string]string `yaml:"env"`
	Steps    []yaml.Node       `yaml:"steps"`
}

// ReadPipeline reads and parses the pipeline file at path.
func ReadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: read %s: %w", path, err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline parses a pipeline definition. It does not validate it; run
// the linter for that.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("runner: parse pipeline: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("runner: pipeline is empty")
	}

	p := &Pipeline{}
	root := doc.Content[0]
	var steps []*yaml.Node
	switch root.Kind {
	case yaml.SequenceNode:
		steps = root.Content
	case yaml.MappingNode:
		var top struct {
			Env   map[string]string `yaml:"env"`
			Steps []*yaml.Node      `yaml:"steps"`
		}
		if err := root.Decode(&top); err != nil {
			return nil, fmt.Errorf("runner: parse pipeline: %w", err)
		}
		p.Env = top.Env
		steps = top.Steps
	default:
		return nil, fmt.Errorf("runner: pipeline must be a mapping or list of steps")
	}

	for _, n := range steps {
		if err := p.addStep(n, ""); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) addStep(n *yaml.Node, group string) error {
	if n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	if n.Kind == yaml.ScalarNode {
		st, ok := lint.ShorthandType(n.Value)
		if !ok {
			return fmt.Errorf("runner: line %d: unknown step %q", n.Line, n.Value)
		}
		p.Steps = append(p.Steps, Step{Index: len(p.Steps) + 1, Type: st, Group: group})
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("runner: line %d: invalid step", n.Line)
	}

	st, ok := lint.DetectStepType(n)
	if !ok {
		return fmt.Errorf("runner: line %d: unknown step type", n.Line)
	}
	var raw rawStep
	if err := n.Decode(&raw); err != nil {
		return fmt.Errorf("runner: line %d: %w", n.Line, err)
	}

	if st == lint.StepGroup {
		for i := range raw.Steps {
			if err := p.addStep(&raw.Steps[i], raw.Group); err != nil {
				return err
			}
		}
		return nil
	}

	s := Step{
		Index: len(p.Steps) + 1,
		Type:  st,
		Key:   raw.Key,
		Label: raw.Label,
		Group: group,
		Env:   raw.Env,
	}
	for _, l := range []string{raw.Name, raw.Block, raw.Input, raw.Trigger} {
		if s.Label == "" {
			s.Label = l
		}
	}
	if st == lint.StepCommand {
		for _, c := range []*yaml.Node{&raw.Command, &raw.Commands, &raw.Script} {
			cmds, err := decodeCommands(c)
			if err != nil {
				return fmt.Errorf("runner: line %d: %w", n.Line, err)
			}
			s.Commands = append(s.Commands, cmds...)
		}
	}
	p.Steps = append(p.Steps, s)
	return nil
}

func decodeCommands(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" || n.Value == "" {
			return nil, nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		var cmds []string
		if err := n.Decode(&cmds); err != nil {
			return nil, err
		}
		return cmds, nil
	default:
		return nil, fmt.Errorf("command must be a string or list of strings")
	}
}

// CommandSteps returns the steps that can be run locally.
func (p *Pipeline) CommandSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Type == lint.StepCommand && len(s.Commands) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Find selects a step by key, then label, then 1-based index.
func (p *Pipeline) Find(selector string) (*Step, error) {
	if selector == "" {
		return nil, fmt.Errorf("runner: step selector is required")
	}
	for i := range p.Steps {
		if p.Steps[i].Key == selector {
			return &p.Steps[i], nil
		}
	}
	for i := range p.Steps {
		if p.Steps[i].Label == selector {
			return &p.Steps[i], nil
		}
	}
	if n, err := strconv.Atoi(selector); err == nil && n >= 1 && n <= len(p.Steps) {
		return &p.Steps[n-1], nil
	}
	return nil, fmt.Errorf("runner: no step matches %q", selector)
}

// Package lint validates Buildkite pipeline definitions.
//
// Lint walks the YAML node tree once and reports a flat list of diagnostics.
// It checks structure only: the required steps list, the per-type required
// fields of each step, retry limits, and step key references. It never
// evaluates interpolation or conditionals.
package lint

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Severity ranks a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is a single finding, positioned at a 1-based line and column.
type Diagnostic struct {
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Column, d.Severity, d.Message)
}

// MaxRetryLimit is the largest automatic retry limit Buildkite accepts.
const MaxRetryLimit = 10

var topLevelKeys = map[string]bool{
	"steps":  true,
	"env":    true,
	"agents": true,
	"notify": true,
	"image":  true,
}

var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

// LintFile reads and lints the pipeline at path.
func LintFile(path string) ([]Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lint: read %s: %w", path, err)
	}
	return Lint(data), nil
}

// Lint validates a pipeline definition and returns its diagnostics sorted by
// position. A nil result means the pipeline is clean.
func Lint(data []byte) []Diagnostic {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		line := 1
		if m := yamlLinePattern.FindStringSubmatch(err.Error()); m != nil {
			line, _ = strconv.Atoi(m[1])
		}
		return []Diagnostic{{Line: line, Column: 1, Severity: SeverityError, Message: err.Error()}}
	}

	l := &linter{keys: make(map[string]*yaml.Node)}
	l.document(&doc)
	l.checkDependencies()

	sort.SliceStable(l.diags, func(i, j int) bool {
		if l.diags[i].Line != l.diags[j].Line {
			return l.diags[i].Line < l.diags[j].Line
		}
		return l.diags[i].Column < l.diags[j].Column
	})
	return l.diags
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Count returns the number of diagnostics at each severity.
func Count(diags []Diagnostic) map[Severity]int {
	counts := make(map[Severity]int)
	for _, d := range diags {
		counts[d.Severity]++
	}
	return counts
}

type depRef struct {
	key  string
	node *yaml.Node
}

type linter struct {
	diags []Diagnostic
	keys  map[string]*yaml.Node // step key -> defining node
	deps  []depRef
}

func (l *linter) report(n *yaml.Node, sev Severity, format string, args ...any) {
	line, col := 1, 1
	if n != nil && n.Line > 0 {
		line, col = n.Line, n.Column
	}
	l.diags = append(l.diags, Diagnostic{Line: line, Column: col, Severity: sev, Message: fmt.Sprintf(format, args...)})
}

func (l *linter) checkMerge(m *yaml.Node) {
	if k := mergeCycle(m); k != nil {
		l.report(k, SeverityError, "merge key refers to itself")
	}
}

func (l *linter) document(doc *yaml.Node) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		l.report(doc, SeverityError, "pipeline is empty")
		return
	}
	root := resolve(doc.Content[0])

	switch root.Kind {
	case yaml.SequenceNode:
		// A bare list of steps is accepted as shorthand for {steps: [...]}.
		l.stepList(root, root, false)
	case yaml.MappingNode:
		l.topLevel(root)
	default:
		l.report(root, SeverityError, `pipeline must be a mapping with a "steps" key`)
	}
}

func (l *linter) topLevel(root *yaml.Node) {
	l.checkMerge(root)
	var steps *yaml.Node
	for _, kv := range pairs(root) {
		switch kv.key.Value {
		case "steps":
			steps = kv.value
		case "env":
			l.expectMapping(kv.value, "env")
		case "agents":
			l.expectAgents(kv.value)
		}
		if !topLevelKeys[kv.key.Value] {
			l.report(kv.key, SeverityWarning, "unknown top-level key %q", kv.key.Value)
		}
	}
	if steps == nil {
		l.report(root, SeverityError, `missing required key "steps"`)
		return
	}
	l.stepList(steps, root, false)
}

// stepList checks a steps sequence. owner positions the error when the list
// itself is missing or empty.
func (l *linter) stepList(steps, owner *yaml.Node, inGroup bool) {
	steps = resolve(steps)
	if steps.Kind != yaml.SequenceNode || len(steps.Content) == 0 {
		pos := steps
		if isNull(steps) {
			pos = owner
		}
		l.report(pos, SeverityError, "steps must be a non-empty list")
		return
	}
	for _, step := range steps.Content {
		l.step(resolve(step), inGroup)
	}
}

// resolve follows alias nodes to their anchors.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

type keyValue struct {
	key, value *yaml.Node
}

// pairs returns the key/value pairs of a mapping node, following merge keys.
// A merge that refers back to a mapping already being expanded is skipped.
func pairs(m *yaml.Node) []keyValue {
	out, _ := expand(m, nil)
	return out
}

// mergeCycle returns the first merge key in m that refers back to m or to a
// mapping it merges, or nil.
func mergeCycle(m *yaml.Node) *yaml.Node {
	_, cycle := expand(m, nil)
	return cycle
}

func expand(m *yaml.Node, parents []*yaml.Node) ([]keyValue, *yaml.Node) {
	parents = append(parents, m)
	var (
		out   []keyValue
		cycle *yaml.Node
	)
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], resolve(m.Content[i+1])
		if k.Tag != "!!merge" && k.Value != "<<" {
			out = append(out, keyValue{key: k, value: v})
			continue
		}
		sources := []*yaml.Node{v}
		if v.Kind == yaml.SequenceNode {
			sources = sources[:0]
			for _, item := range v.Content {
				sources = append(sources, resolve(item))
			}
		}
		for _, src := range sources {
			if src == nil || src.Kind != yaml.MappingNode {
				continue
			}
			if slices.Contains(parents, src) {
				if cycle == nil {
					cycle = k
				}
				continue
			}
			merged, c := expand(src, parents)
			out = append(out, merged...)
			if cycle == nil {
				cycle = c
			}
		}
	}
	return out, cycle
}

// lookup returns the value node for key in mapping m, or nil.
func lookup(m *yaml.Node, key string) *yaml.Node {
	var found *yaml.Node
	for _, kv := range pairs(m) {
		if kv.key.Value == key {
			found = kv.value
		}
	}
	return found
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

func isString(n *yaml.Node) bool {
	return n != nil && n.Kind == yaml.ScalarNode && n.Tag != "!!null" && n.Tag != "!!map" && n.Tag != "!!seq"
}

func nonEmptyString(n *yaml.Node) bool {
	return isString(n) && n.Value != ""
}

func intValue(n *yaml.Node) (int64, bool) {
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag != "!!int" {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

package lint

import (
	"regexp"

	"gopkg.in/yaml.v3"
)

// StepType is the kind of a pipeline step.
type StepType string

const (
	StepCommand StepType = "command"
	StepWait    StepType = "wait"
	StepBlock   StepType = "block"
	StepInput   StepType = "input"
	StepTrigger StepType = "trigger"
	StepGroup   StepType = "group"
)

var shorthandSteps = map[string]StepType{
	"wait":   StepWait,
	"waiter": StepWait,
	"block":  StepBlock,
	"input":  StepInput,
}

var typeNames = map[string]StepType{
	"command": StepCommand,
	"script":  StepCommand,
	"wait":    StepWait,
	"waiter":  StepWait,
	"block":   StepBlock,
	"input":   StepInput,
	"trigger": StepTrigger,
	"group":   StepGroup,
}

var pipelineSlug = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ShorthandType returns the step type for a string shorthand step such as
// "wait" or "block".
func ShorthandType(s string) (StepType, bool) {
	st, ok := shorthandSteps[s]
	return st, ok
}

// DetectStepType classifies a step mapping by its keys. The second return
// value is false when no type can be determined.
func DetectStepType(step *yaml.Node) (StepType, bool) {
	if t := lookup(step, "type"); isString(t) {
		st, ok := typeNames[t.Value]
		return st, ok
	}
	switch {
	case lookup(step, "command") != nil, lookup(step, "commands") != nil, lookup(step, "script") != nil:
		return StepCommand, true
	case hasKey(step, "wait"), hasKey(step, "waiter"):
		return StepWait, true
	case hasKey(step, "block"):
		return StepBlock, true
	case hasKey(step, "input"):
		return StepInput, true
	case hasKey(step, "trigger"):
		return StepTrigger, true
	case hasKey(step, "group"):
		return StepGroup, true
	case lookup(step, "plugins") != nil:
		// Plugin-only steps are command steps without a command.
		return StepCommand, true
	}
	return "", false
}

func hasKey(m *yaml.Node, key string) bool {
	for _, kv := range pairs(m) {
		if kv.key.Value == key {
			return true
		}
	}
	return false
}

func (l *linter) step(step *yaml.Node, inGroup bool) {
	if step.Kind == yaml.ScalarNode {
		if _, ok := shorthandSteps[step.Value]; !ok {
			l.report(step, SeverityError, "unknown step %q", step.Value)
		}
		return
	}
	if step.Kind != yaml.MappingNode {
		l.report(step, SeverityError, "step must be a mapping or one of wait, block, input")
		return
	}
	l.checkMerge(step)

	st, ok := DetectStepType(step)
	if !ok {
		if t := lookup(step, "type"); isString(t) {
			l.report(t, SeverityError, "unknown step type %q", t.Value)
		} else {
			l.report(step, SeverityError, "unknown step type: expected one of command, wait, block, input, trigger, group")
		}
		return
	}

	l.commonFields(step)

	switch st {
	case StepCommand:
		l.commandStep(step)
	case StepBlock, StepInput:
		l.blockStep(step, st)
	case StepTrigger:
		l.triggerStep(step)
	case StepGroup:
		l.groupStep(step, inGroup)
	case StepWait:
		if v := lookup(step, "continue_on_failure"); v != nil && v.Tag != "!!bool" {
			l.report(v, SeverityError, "continue_on_failure must be a boolean")
		}
	}
}

func (l *linter) commonFields(step *yaml.Node) {
	if k := lookup(step, "key"); k != nil {
		switch {
		case !nonEmptyString(k):
			l.report(k, SeverityError, "step key must be a non-empty string")
		case l.keys[k.Value] != nil:
			l.report(k, SeverityError, "duplicate step key %q (first defined on line %d)", k.Value, l.keys[k.Value].Line)
		default:
			l.keys[k.Value] = k
		}
	}
	if d := lookup(step, "depends_on"); d != nil {
		l.dependsOn(d)
	}
	if e := lookup(step, "env"); e != nil {
		l.expectMapping(e, "env")
	}
	if a := lookup(step, "agents"); a != nil {
		l.expectAgents(a)
	}
	for _, field := range []string{"parallelism", "timeout_in_minutes"} {
		if v := lookup(step, field); v != nil {
			if n, ok := intValue(v); !ok || n <= 0 {
				l.report(v, SeverityError, "%s must be a positive integer", field)
			}
		}
	}
	if r := lookup(step, "retry"); r != nil {
		l.retry(r)
	}
}

func (l *linter) commandStep(step *yaml.Node) {
	var cmd *yaml.Node
	for _, key := range []string{"command", "commands", "script"} {
		if v := lookup(step, key); v != nil {
			cmd = v
			break
		}
	}
	if cmd == nil && lookup(step, "plugins") == nil {
		l.report(step, SeverityError, "command step has no command")
	}
	if cmd != nil {
		switch cmd.Kind {
		case yaml.ScalarNode:
			if !nonEmptyString(cmd) {
				l.report(cmd, SeverityError, "command must not be empty")
			}
		case yaml.SequenceNode:
			if len(cmd.Content) == 0 {
				l.report(cmd, SeverityError, "command must not be empty")
			}
			for _, c := range cmd.Content {
				if !nonEmptyString(resolve(c)) {
					l.report(c, SeverityError, "each command must be a non-empty string")
				}
			}
		default:
			l.report(cmd, SeverityError, "command must be a string or a list of strings")
		}
	}
	if lookup(step, "label") == nil && lookup(step, "name") == nil {
		l.report(step, SeverityInfo, "command step has no label")
	}
}

func (l *linter) blockStep(step *yaml.Node, st StepType) {
	label := lookup(step, string(st))
	if label == nil || isNull(label) {
		// Explicit `type: block` steps may carry their label in `label`.
		label = lookup(step, "label")
	}
	if !nonEmptyString(label) {
		pos := step
		if label != nil {
			pos = label
		}
		l.report(pos, SeverityError, "%s step requires a non-empty label", st)
	}

	fields := lookup(step, "fields")
	if fields == nil {
		return
	}
	if fields.Kind != yaml.SequenceNode {
		l.report(fields, SeverityError, "fields must be a list")
		return
	}
	for _, f := range fields.Content {
		f = resolve(f)
		if f.Kind != yaml.MappingNode {
			l.report(f, SeverityError, "each field must be a mapping")
			continue
		}
		if !nonEmptyString(lookup(f, "key")) {
			l.report(f, SeverityError, "field requires a key")
		}
		text, sel := lookup(f, "text"), lookup(f, "select")
		switch {
		case text == nil && sel == nil:
			l.report(f, SeverityError, "field requires either text or select")
		case sel != nil:
			opts := lookup(f, "options")
			if opts == nil || opts.Kind != yaml.SequenceNode || len(opts.Content) == 0 {
				l.report(f, SeverityError, "select field requires a non-empty options list")
			}
		}
	}
}

func (l *linter) triggerStep(step *yaml.Node) {
	t := lookup(step, "trigger")
	if !nonEmptyString(t) {
		pos := step
		if t != nil {
			pos = t
		}
		l.report(pos, SeverityError, "trigger step requires a pipeline slug")
		return
	}
	if !pipelineSlug.MatchString(t.Value) {
		l.report(t, SeverityWarning, "trigger target %q does not look like a pipeline slug", t.Value)
	}
	if b := lookup(step, "build"); b != nil && b.Kind != yaml.MappingNode {
		l.report(b, SeverityError, "trigger build must be a mapping")
	}
}

func (l *linter) groupStep(step *yaml.Node, inGroup bool) {
	g := lookup(step, "group")
	if inGroup {
		pos := step
		if g != nil {
			pos = g
		}
		l.report(pos, SeverityError, "groups cannot be nested")
		return
	}
	if g != nil && !isNull(g) && g.Kind != yaml.ScalarNode {
		l.report(g, SeverityError, "group label must be a string")
	}
	steps := lookup(step, "steps")
	if steps == nil {
		l.report(step, SeverityError, `group step requires "steps"`)
		return
	}
	l.stepList(steps, step, true)
}

func (l *linter) retry(r *yaml.Node) {
	if r.Kind != yaml.MappingNode {
		l.report(r, SeverityError, "retry must be a mapping")
		return
	}
	if auto := lookup(r, "automatic"); auto != nil {
		switch auto.Kind {
		case yaml.ScalarNode:
			if auto.Tag != "!!bool" {
				l.report(auto, SeverityError, "retry.automatic must be a boolean, mapping, or list of mappings")
			}
		case yaml.MappingNode:
			l.retryRule(auto)
		case yaml.SequenceNode:
			for _, rule := range auto.Content {
				rule = resolve(rule)
				if rule.Kind != yaml.MappingNode {
					l.report(rule, SeverityError, "each automatic retry rule must be a mapping")
					continue
				}
				l.retryRule(rule)
			}
		}
	}
	if manual := lookup(r, "manual"); manual != nil {
		if manual.Kind != yaml.MappingNode && manual.Tag != "!!bool" {
			l.report(manual, SeverityError, "retry.manual must be a boolean or mapping")
		}
	}
}

func (l *linter) retryRule(rule *yaml.Node) {
	limit := lookup(rule, "limit")
	if limit == nil {
		return
	}
	n, ok := intValue(limit)
	if !ok {
		l.report(limit, SeverityError, "retry limit must be an integer")
		return
	}
	if n < 0 || n > MaxRetryLimit {
		l.report(limit, SeverityError, "retry limit must be between 0 and %d", MaxRetryLimit)
	}
}

func (l *linter) dependsOn(d *yaml.Node) {
	switch d.Kind {
	case yaml.ScalarNode:
		if !isNull(d) {
			l.deps = append(l.deps, depRef{key: d.Value, node: d})
		}
	case yaml.SequenceNode:
		for _, item := range d.Content {
			item = resolve(item)
			switch item.Kind {
			case yaml.ScalarNode:
				l.deps = append(l.deps, depRef{key: item.Value, node: item})
			case yaml.MappingNode:
				s := lookup(item, "step")
				if !nonEmptyString(s) {
					l.report(item, SeverityError, `depends_on entry requires "step"`)
					continue
				}
				l.deps = append(l.deps, depRef{key: s.Value, node: s})
			default:
				l.report(item, SeverityError, "invalid depends_on entry")
			}
		}
	default:
		l.report(d, SeverityError, "depends_on must be a string or list")
	}
}

// checkDependencies runs after the walk so forward references resolve.
func (l *linter) checkDependencies() {
	for _, d := range l.deps {
		if l.keys[d.key] == nil {
			l.report(d.node, SeverityWarning, "depends_on references unknown step key %q", d.key)
		}
	}
}

func (l *linter) expectMapping(n *yaml.Node, field string) {
	if n.Kind != yaml.MappingNode && !isNull(n) {
		l.report(n, SeverityError, "%s must be a mapping", field)
	}
}

func (l *linter) expectAgents(n *yaml.Node) {
	if n.Kind != yaml.MappingNode && n.Kind != yaml.SequenceNode && !isNull(n) {
		l.report(n, SeverityError, "agents must be a mapping or list")
	}
}

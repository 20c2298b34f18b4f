// Package pipeline parses pipeline specs into staged plans and executes them
// against a shared, typed context.
//
// A spec is a comma-separated list of stages. A bare name is a one-worker
// stage. A bracketed group holds chains separated by '|'; each chain is a
// comma-separated list of workers run in order. A group with two or more
// chains runs them concurrently and joins before the next stage:
//
//	set_query,[extract_time|retrieve_obs,semantic_rank],print_memory
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig marks deployment defects: malformed specs, unknown workers,
// missing required context keys. These are never retried.
var ErrConfig = errors.New("pipeline configuration error")

// Chain is an ordered list of worker names.
type Chain []string

// Stage is a synchronization point holding one or more chains.
type Stage struct {
	Chains []Chain
}

// Concurrent reports whether the stage fans out.
func (s Stage) Concurrent() bool { return len(s.Chains) > 1 }

// Plan is the immutable parsed form of a spec.
type Plan struct {
	Spec   string
	Stages []Stage
}

// Empty reports whether the plan has nothing to run.
func (p *Plan) Empty() bool { return len(p.Stages) == 0 }

// Workers lists every worker name in first-appearance order.
func (p *Plan) Workers() []string {
	seen := map[string]bool{}
	var names []string
	for _, st := range p.Stages {
		for _, ch := range st.Chains {
			for _, name := range ch {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	return names
}

// String renders the plan in canonical form.
func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Stages))
	for _, st := range p.Stages {
		if !st.Concurrent() && len(st.Chains[0]) == 1 {
			parts = append(parts, st.Chains[0][0])
			continue
		}
		chains := make([]string, len(st.Chains))
		for i, ch := range st.Chains {
			chains[i] = strings.Join(ch, ",")
		}
		parts = append(parts, "["+strings.Join(chains, "|")+"]")
	}
	return strings.Join(parts, ",")
}

// Parse turns a spec into a Plan. Unknown worker names are not checked here.
func Parse(spec string) (*Plan, error) {
	plan := &Plan{Spec: spec}
	var buf strings.Builder
	inGroup := false
	closed := false // a group just ended; only whitespace or ',' may follow

	malformed := func(offset int, msg string) error {
		return fmt.Errorf("%w: pipeline %q: %s at offset %d", ErrConfig, spec, msg, offset)
	}

	for i, r := range spec {
		if inGroup {
			switch r {
			case '[':
				return nil, malformed(i, "nested '['")
			case ']':
				if st, ok := parseGroup(buf.String()); ok {
					plan.Stages = append(plan.Stages, st)
				}
				buf.Reset()
				inGroup = false
				closed = true
			default:
				buf.WriteRune(r)
			}
			continue
		}

		switch r {
		case '[':
			if strings.TrimSpace(buf.String()) != "" || closed {
				return nil, malformed(i, "'[' must start a stage")
			}
			buf.Reset()
			inGroup = true
		case ']':
			return nil, malformed(i, "unbalanced ']'")
		case '|':
			return nil, malformed(i, "'|' outside brackets")
		case ',':
			plan.addBare(buf.String())
			buf.Reset()
			closed = false
		default:
			if closed && !isSpace(r) {
				return nil, malformed(i, "expected ',' after ']'")
			}
			buf.WriteRune(r)
		}
	}
	if inGroup {
		return nil, malformed(len(spec), "unbalanced '['")
	}
	plan.addBare(buf.String())
	return plan, nil
}

func (p *Plan) addBare(tok string) {
	if name := strings.TrimSpace(tok); name != "" {
		p.Stages = append(p.Stages, Stage{Chains: []Chain{{name}}})
	}
}

// parseGroup splits bracket content into chains, skipping empty ones.
func parseGroup(body string) (Stage, bool) {
	var st Stage
	for _, rawChain := range strings.Split(body, "|") {
		var ch Chain
		for _, name := range strings.Split(rawChain, ",") {
			if name = strings.TrimSpace(name); name != "" {
				ch = append(ch, name)
			}
		}
		if len(ch) > 0 {
			st.Chains = append(st.Chains, ch)
		}
	}
	return st, len(st.Chains) > 0
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

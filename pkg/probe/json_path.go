package probe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// JSONPath is a small JSON path selector.
//
// Supported forms:
// - $.a.b.c
// - a.b.c
// - a[0].b
// - a[*].b   (every element of a)
type JSONPath struct {
	steps []jsonStep
}

type jsonStep struct {
	Key      string
	Index    *int
	Wildcard bool
}

func CompileJSONPath(expr string) (*JSONPath, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("json_path is empty")
	}
	expr = strings.TrimPrefix(expr, "$")
	expr = strings.TrimPrefix(expr, ".")

	var steps []jsonStep
	for _, seg := range strings.Split(expr, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		step, err := parseJSONSegment(seg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("json_path has no steps")
	}
	return &JSONPath{steps: steps}, nil
}

func parseJSONSegment(seg string) (jsonStep, error) {
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		return jsonStep{Key: seg}, nil
	}
	if !strings.HasSuffix(seg, "]") {
		return jsonStep{}, fmt.Errorf("invalid json_path segment %q", seg)
	}
	key := strings.TrimSpace(seg[:open])
	idxStr := strings.TrimSpace(strings.TrimSuffix(seg[open+1:], "]"))
	switch idxStr {
	case "":
		return jsonStep{}, fmt.Errorf("empty index in json_path segment %q", seg)
	case "*":
		return jsonStep{Key: key, Wildcard: true}, nil
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return jsonStep{}, fmt.Errorf("invalid index %q", idxStr)
	}
	if idx < 0 {
		return jsonStep{}, fmt.Errorf("index must be >= 0")
	}
	return jsonStep{Key: key, Index: &idx}, nil
}

// Eval returns the first value selected by p.
func (p *JSONPath) Eval(v any) (any, bool) {
	all := p.EvalAll(v)
	if len(all) == 0 {
		return nil, false
	}
	return all[0], true
}

// EvalAll returns every value selected by p in document order. Branches
// missing a key are skipped.
func (p *JSONPath) EvalAll(v any) []any {
	cur := []any{v}
	for _, step := range p.steps {
		var next []any
		for _, c := range cur {
			if step.Key != "" {
				m, ok := c.(map[string]any)
				if !ok {
					continue
				}
				if c, ok = m[step.Key]; !ok {
					continue
				}
			}
			switch {
			case step.Wildcard:
				arr, ok := c.([]any)
				if !ok {
					continue
				}
				next = append(next, arr...)
			case step.Index != nil:
				arr, ok := c.([]any)
				if !ok || *step.Index >= len(arr) {
					continue
				}
				next = append(next, arr[*step.Index])
			default:
				next = append(next, c)
			}
		}
		cur = next
	}
	return cur
}

// JSONObject returns the JSON document embedded in tool output: the span
// from whichever of '{' or '[' appears first to the last matching closer.
// Activation scripts may print around it.
func JSONObject(out []byte) ([]byte, bool) {
	start := bytes.IndexAny(out, "{[")
	if start < 0 {
		return nil, false
	}
	closer := byte('}')
	if out[start] == '[' {
		closer = ']'
	}
	end := bytes.LastIndexByte(out, closer)
	if end <= start {
		return nil, false
	}
	return out[start : end+1], true
}

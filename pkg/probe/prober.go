// Package probe extracts named fields from the captured output of external
// tools (nvidia-smi XML, ffprobe JSON, free text).
package probe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Result maps field name to the extracted values. Fields that matched
// nothing are absent.
type Result map[string][]string

// First returns the first value of name, or "".
func (r Result) First(name string) string {
	if v := r[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Prober executes configured extractors against captured output.
type Prober struct {
	extractors []extractor
}

type extractor interface {
	Name() string
	Extract(data []byte) ([]string, error)
}

func New(cfg Config) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	extractors := make([]extractor, 0, len(cfg.Extract))
	for _, e := range cfg.Extract {
		switch e.Type {
		case TypeXMLXPath:
			x, err := CompileXMLXPath(e.XPath)
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, &xmlXPathExtractor{name: e.Name, xpath: x, all: e.All})
		case TypeRegex:
			re, err := regexp.Compile(e.Pattern)
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, &regexExtractor{name: e.Name, re: re, group: e.Group, all: e.All})
		case TypeJSONPath:
			p, err := CompileJSONPath(e.JSONPath)
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, &jsonPathExtractor{name: e.Name, path: p, all: e.All})
		default:
			return nil, fmt.Errorf("unsupported extractor type %q", e.Type)
		}
	}

	return &Prober{extractors: extractors}, nil
}

// MustNew is New for built-in configs.
func MustNew(cfg Config) *Prober {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Probe returns derived fields. Blank values are dropped.
func (p *Prober) Probe(data []byte) (Result, error) {
	out := Result{}
	for _, ex := range p.extractors {
		vals, err := ex.Extract(data)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", ex.Name(), err)
		}
		for _, v := range vals {
			v = strings.TrimSpace(v)
			if v != "" {
				out[ex.Name()] = append(out[ex.Name()], v)
			}
		}
	}
	return out, nil
}

type xmlXPathExtractor struct {
	name  string
	xpath *XMLXPath
	all   bool
}

func (e *xmlXPathExtractor) Name() string { return e.name }

func (e *xmlXPathExtractor) Extract(data []byte) ([]string, error) {
	if e.all {
		return e.xpath.FindAllText(data)
	}
	v, ok, err := e.xpath.FindFirstText(data)
	if err != nil || !ok {
		return nil, err
	}
	return []string{v}, nil
}

type regexExtractor struct {
	name  string
	re    *regexp.Regexp
	group int
	all   bool
}

func (e *regexExtractor) Name() string { return e.name }

func (e *regexExtractor) Extract(data []byte) ([]string, error) {
	n := 1
	if e.all {
		n = -1
	}
	var out []string
	for _, m := range e.re.FindAllSubmatch(data, n) {
		if e.group >= len(m) {
			return nil, fmt.Errorf("group %d out of range", e.group)
		}
		out = append(out, string(m[e.group]))
	}
	return out, nil
}

type jsonPathExtractor struct {
	name string
	path *JSONPath
	all  bool
}

func (e *jsonPathExtractor) Name() string { return e.name }

func (e *jsonPathExtractor) Extract(data []byte) ([]string, error) {
	obj, ok := JSONObject(data)
	if !ok {
		return nil, fmt.Errorf("no JSON document in output")
	}
	var v any
	if err := json.Unmarshal(obj, &v); err != nil {
		return nil, err
	}
	got := e.path.EvalAll(v)
	if !e.all && len(got) > 1 {
		got = got[:1]
	}
	out := make([]string, 0, len(got))
	for _, g := range got {
		s, err := scalarString(g)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func scalarString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

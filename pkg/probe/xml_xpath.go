package probe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// XMLXPath is a small XPath-like selector.
//
// Supported forms:
// - //TagName      (match any element with local name TagName)
// - /a/b/c         (match exact element path)
//
// Predicates, attributes, and namespaces are not supported.
type XMLXPath struct {
	anywhere bool
	path     []string
}

func CompileXMLXPath(expr string) (*XMLXPath, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("xpath is empty")
	}
	if strings.Contains(expr, "//") && !strings.HasPrefix(expr, "//") {
		return nil, fmt.Errorf("xpath descendant selector is only supported at the beginning (use //TagName)")
	}

	if strings.HasPrefix(expr, "//") {
		tag := strings.TrimSpace(strings.TrimPrefix(expr, "//"))
		if tag == "" {
			return nil, fmt.Errorf("xpath // requires a tag")
		}
		if strings.Contains(tag, "/") {
			return nil, fmt.Errorf("xpath // form does not support nested paths")
		}
		return &XMLXPath{anywhere: true, path: []string{tag}}, nil
	}

	if !strings.HasPrefix(expr, "/") {
		return nil, fmt.Errorf("xpath must start with '/' or '//'")
	}

	var path []string
	for _, p := range strings.Split(expr, "/") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "[]@") {
			return nil, fmt.Errorf("xpath predicates/attributes not supported: %q", p)
		}
		path = append(path, p)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("xpath has no path segments")
	}
	return &XMLXPath{path: path}, nil
}

// FindFirstText returns the trimmed text of the first matching element.
func (x *XMLXPath) FindFirstText(xmlBytes []byte) (string, bool, error) {
	var found string
	err := x.walk(xmlBytes, func(text string) bool {
		found = text
		return false
	})
	if err != nil {
		return "", false, err
	}
	return found, found != "", nil
}

// FindAllText returns the trimmed, non-empty text of every matching element.
func (x *XMLXPath) FindAllText(xmlBytes []byte) ([]string, error) {
	var out []string
	err := x.walk(xmlBytes, func(text string) bool {
		if text != "" {
			out = append(out, text)
		}
		return true
	})
	return out, err
}

// walk calls visit with the text of each match until visit returns false.
func (x *XMLXPath) walk(xmlBytes []byte, visit func(text string) bool) error {
	dec := xml.NewDecoder(bytes.NewReader(xmlBytes))
	// nvidia-smi declares a DOCTYPE with an external DTD.
	dec.Strict = false

	var stack []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if !x.matches(stack) {
				continue
			}
			text, err := readElementText(dec)
			if err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			if !visit(strings.TrimSpace(text)) {
				return nil
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func (x *XMLXPath) matches(stack []string) bool {
	if x.anywhere {
		return stack[len(stack)-1] == x.path[0]
	}
	return stackEqual(stack, x.path)
}

func readElementText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(t)
		}
	}
	return b.String(), nil
}

func stackEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

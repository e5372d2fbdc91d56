package probe

import (
	"fmt"
	"regexp"
	"strings"
)

// Extractor types.
const (
	TypeXMLXPath = "xml_xpath"
	TypeRegex    = "regex"
	TypeJSONPath = "json_path"
)

// Config lists the fields to pull out of a tool's captured output.
type Config struct {
	Extract []ExtractorConfig `json:"extract" yaml:"extract"`
}

type ExtractorConfig struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`

	// All collects every match instead of the first.
	All bool `json:"all" yaml:"all"`

	// For type=xml_xpath.
	XPath string `json:"xpath" yaml:"xpath"`

	// For type=regex.
	Pattern string `json:"pattern" yaml:"pattern"`
	Group   int    `json:"group" yaml:"group"`

	// For type=json_path.
	JSONPath string `json:"json_path" yaml:"json_path"`
}

func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for i := range c.Extract {
		e := c.Extract[i]
		e.Name = strings.TrimSpace(e.Name)
		e.Type = strings.TrimSpace(strings.ToLower(e.Type))
		c.Extract[i] = e

		if e.Name == "" {
			return fmt.Errorf("extract[%d].name is required", i)
		}
		if _, ok := seen[e.Name]; ok {
			return fmt.Errorf("extract[%d].name %q is duplicated", i, e.Name)
		}
		seen[e.Name] = struct{}{}

		switch e.Type {
		case TypeXMLXPath:
			if _, err := CompileXMLXPath(e.XPath); err != nil {
				return fmt.Errorf("extract[%d].xpath invalid: %w", i, err)
			}
		case TypeRegex:
			if strings.TrimSpace(e.Pattern) == "" {
				return fmt.Errorf("extract[%d].pattern is required for type=regex", i)
			}
			if e.Group < 0 {
				return fmt.Errorf("extract[%d].group must be >= 0", i)
			}
			if _, err := regexp.Compile(e.Pattern); err != nil {
				return fmt.Errorf("extract[%d].pattern invalid: %w", i, err)
			}
		case TypeJSONPath:
			if _, err := CompileJSONPath(e.JSONPath); err != nil {
				return fmt.Errorf("extract[%d].json_path invalid: %w", i, err)
			}
		default:
			return fmt.Errorf("extract[%d].type %q is not supported", i, e.Type)
		}
	}
	return nil
}

// Field names produced by NvidiaSMI.
const (
	FieldDriverVersion = "driver_version"
	FieldCUDAVersion   = "cuda_version"
	FieldAttachedGPUs  = "attached_gpus"
	FieldProductName   = "product_name"
)

// NvidiaSMI extracts the GPU summary from `nvidia-smi -q -x`.
func NvidiaSMI() Config {
	return Config{Extract: []ExtractorConfig{
		{Name: FieldDriverVersion, Type: TypeXMLXPath, XPath: "/nvidia_smi_log/driver_version"},
		{Name: FieldCUDAVersion, Type: TypeXMLXPath, XPath: "/nvidia_smi_log/cuda_version"},
		{Name: FieldAttachedGPUs, Type: TypeXMLXPath, XPath: "/nvidia_smi_log/attached_gpus"},
		{Name: FieldProductName, Type: TypeXMLXPath, XPath: "/nvidia_smi_log/gpu/product_name", All: true},
	}}
}

// Field names produced by FFprobe.
const (
	FieldFormatName = "format_name"
	FieldDuration   = "duration"
	FieldCodecNames = "codec_names"
)

// FFprobe extracts a container summary from `ffprobe -print_format json
// -show_format -show_streams`.
func FFprobe() Config {
	return Config{Extract: []ExtractorConfig{
		{Name: FieldFormatName, Type: TypeJSONPath, JSONPath: "$.format.format_name"},
		{Name: FieldDuration, Type: TypeJSONPath, JSONPath: "$.format.duration"},
		{Name: FieldCodecNames, Type: TypeJSONPath, JSONPath: "$.streams[*].codec_name", All: true},
	}}
}

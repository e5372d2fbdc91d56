package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a run request. The format follows the
// extension (.yaml/.yml or .json); anything else is tried as YAML, then JSON.
func Load(path string) (*RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run request not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading run request: %s", path)
		}
		return nil, fmt.Errorf("read run request: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a run request. path is only used for
// format detection and may be empty.
//
// The raw document is validated before it is decoded into RunRequest, so
// unknown fields are caught.
func LoadFromBytes(data []byte, path string) (*RunRequest, error) {
	if len(data) == 0 {
		return nil, errors.New("run request is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	req, err := parseRequest(data, path)
	if err != nil {
		return nil, err
	}
	req.ApplyDefaults()
	return req, nil
}

// LoadFromReader is LoadFromBytes over an io.Reader.
func LoadFromReader(r io.Reader, path string) (*RunRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read run request: %w", err)
	}
	return LoadFromBytes(data, path)
}

func parseRequest(data []byte, path string) (*RunRequest, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		req, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return req, nil
		}
		req, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return req, nil
		}
		return nil, fmt.Errorf("parse run request (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in run request: %w", err)
	}
	return &req, nil
}

func parseYAML(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid YAML in run request: %w", err)
	}
	return &req, nil
}

// toJSON normalizes the document to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in run request: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		// YAML is a superset of JSON.
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("parse run request (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in run request: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert run request to JSON: %w", err)
	}
	return jsonData, nil
}

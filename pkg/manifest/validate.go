package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/viamerun/internal/assets/schemas"
)

// SchemaID identifies the run request schema.
const SchemaID = "viamerun/v1.0.0/run-request"

var (
	ErrSchemaNotFound   = errors.New("run request schema not found")
	ErrValidationFailed = errors.New("run request validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one schema violation.
type ValidationError struct {
	// Path is a JSON pointer such as "/pipeline/pipe".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation in a document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run request validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a decoded request. Unknown fields are already gone at
// this point; use ValidateRaw on the original document to reject them.
func Validate(r *RunRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("serialize run request for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks a JSON document against the embedded schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.RunRequestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded run-request schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.RunRequestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile run request schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

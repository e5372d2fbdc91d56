package dataset

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/viamerun/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// ErrInvalidMeta is wrapped by ValidationErrors.
var ErrInvalidMeta = errors.New("dataset metadata invalid")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is one schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every violation found in a document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "dataset metadata invalid: " + strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidMeta
}

// ValidateMeta checks raw meta.json content against the embedded schema.
func ValidateMeta(data []byte) error {
	v, err := metaValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMeta, err)
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

func metaValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.DatasetMetaSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile dataset meta schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Package validate is the external "declarative schema system" spec.md
// treats as an out-of-scope collaborator: given a decoded *osc.Message, it
// either accepts it or reports a validation failure. dispatch and call
// depend only on the Validator interface; StructValidator is the concrete,
// go-playground/validator-backed implementation this module ships.
package validate

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/halfline/oscpeer"
)

// Validator accepts or rejects a decoded message. Rejection is reported as
// an error; dispatch treats that as a silent skip, and call reports it to
// the waiting caller as a validation failure.
type Validator interface {
	Validate(msg *osc.Message) error
}

// Func adapts a plain function to a Validator.
type Func func(msg *osc.Message) error

func (f Func) Validate(msg *osc.Message) error { return f(msg) }

// StructValidator extracts a typed view from an *osc.Message via Extract
// and runs it through go-playground/validator's struct-tag validation.
// Extract is supplied by the caller because the wire message carries no
// schema of its own — only the application knows which addresses should
// look like what.
type StructValidator struct {
	Extract func(msg *osc.Message) (any, error)
	v       *validator.Validate
}

// NewStructValidator builds a StructValidator. A nil Extract is invalid and
// causes every Validate call to fail closed.
func NewStructValidator(extract func(msg *osc.Message) (any, error)) *StructValidator {
	return &StructValidator{Extract: extract, v: validator.New(validator.WithRequiredStructEnabled())}
}

func (s *StructValidator) Validate(msg *osc.Message) error {
	if s.Extract == nil {
		return fmt.Errorf("validate: no extractor configured")
	}
	v, err := s.Extract(msg)
	if err != nil {
		return fmt.Errorf("validate: extracting typed view of %q: %w", msg.Address, err)
	}
	if err := s.v.Struct(v); err != nil {
		return fmt.Errorf("validate: %q failed validation: %w", msg.Address, err)
	}
	return nil
}

// ArgCount returns a Validator that rejects any message whose argument
// count does not equal n. It's a convenience for the common case where a
// handler expects a fixed-arity message and the caller doesn't want to
// define a struct just to check a length.
func ArgCount(n int) Validator {
	return Func(func(msg *osc.Message) error {
		if len(msg.Arguments) != n {
			return fmt.Errorf("validate: %q has %d arguments, want %d", msg.Address, len(msg.Arguments), n)
		}
		return nil
	})
}

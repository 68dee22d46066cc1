package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ruleValidate is shared by all table loads. validator.Validate caches struct
// metadata and is safe for concurrent use.
var ruleValidate *validator.Validate

func init() {
	ruleValidate = validator.New(validator.WithRequiredStructEnabled())
	ruleValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := ruleValidate.RegisterValidation("pattern", validatePattern); err != nil {
		panic(fmt.Sprintf("rules: register pattern validator: %v", err))
	}
}

// validatePattern accepts a pattern only if it is a JSON object. The contents
// are opaque here; the match provider interprets them.
func validatePattern(fl validator.FieldLevel) bool {
	raw := bytes.TrimSpace(fl.Field().Bytes())
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Valid(raw)
}

// FieldError describes one failed constraint on a rule field.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (e FieldError) String() string {
	if e.Param != "" {
		return fmt.Sprintf("%s failed %s=%s", e.Field, e.Tag, e.Param)
	}
	return fmt.Sprintf("%s failed %s", e.Field, e.Tag)
}

// ValidationError reports why a rule-table entry was rejected.
type ValidationError struct {
	// Position is the zero-based index of the entry in the table.
	Position int
	// ID is the entry's "index" value when it could be read.
	ID     string
	Fields []FieldError
	// Err is set when the entry could not be decoded at all.
	Err error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule entry %d", e.Position)
	if e.ID != "" {
		fmt.Fprintf(&b, " (index %q)", e.ID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
		return b.String()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	fmt.Fprintf(&b, ": %s", strings.Join(parts, "; "))
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks a decoded rule against the rule schema. It returns nil or a
// *ValidationError.
func Validate(r Rule) error {
	return validateAt(-1, r)
}

func validateAt(position int, r Rule) error {
	err := ruleValidate.Struct(r)
	if err == nil {
		return nil
	}
	verr := &ValidationError{Position: position, ID: r.ID}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Err = err
		return verr
	}
	for _, fe := range fieldErrs {
		verr.Fields = append(verr.Fields, FieldError{
			Field: strings.TrimPrefix(fe.Namespace(), "Rule."),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return verr
}

// Package envconfig populates configuration structs from the environment,
// driven by `env:"..."` struct tags. Tags carry the variable name and an
// optional constraint: required, file, dir, opt[a,b,c] or range[min..max].
package envconfig

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/parseutil"
	"github.com/bitrise-io/go-utils/v2/env"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ParseError occurs when a struct field cannot be set.
type ParseError struct {
	Field string
	Value string
	Err   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	segments := []string{e.Field}
	if e.Value != "" {
		segments = append(segments, e.Value)
	}
	segments = append(segments, e.Err.Error())
	return strings.Join(segments, ": ")
}

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// Parser reads configuration values from an environment repository.
type Parser struct {
	envRepo env.Repository
}

// NewParser ...
func NewParser(envRepo env.Repository) Parser {
	return Parser{envRepo: envRepo}
}

// Parse ...
func (p Parser) Parse(input interface{}) error {
	return parse(input, p.envRepo)
}

// Parse populates input from the process environment.
func Parse(input interface{}) error {
	return NewParser(env.NewRepository()).Parse(input)
}

func parse(input interface{}, envRepo env.Repository) error {
	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := v.Type()

	var errs []*ParseError
	for i := 0; i < v.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envRepo.Get(key)

		if err := setField(v.Field(i), value, constraint); err != nil {
			errs = append(errs, &ParseError{t.Field(i).Name, value, err})
		}
	}
	if len(errs) > 0 {
		errorString := "failed to parse config:"
		for _, err := range errs {
			errorString += fmt.Sprintf("\n- %s", err)
		}
		errorString += fmt.Sprintf("\n\nThe config you provided:\n%s", toString(input))
		return errors.New(errorString)
	}

	return nil
}

// parseTag splits a struct field's env tag into the variable name and the constraint.
func parseTag(tag string) (string, string) {
	if idx := strings.Index(tag, ","); idx != -1 {
		return tag[:idx], tag[idx+1:]
	}
	return tag, ""
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.Ptr:
		elem := reflect.New(field.Type().Elem())
		if err := setField(elem.Elem(), value, ""); err != nil {
			return err
		}
		field.Set(elem)
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseutil.ParseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func validateConstraint(value, constraint string) error {
	switch constraint {
	case "":
		return nil
	case "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
		return nil
	case "file", "dir":
		return checkPath(value, constraint == "dir")
	}

	name := constraint
	if idx := strings.Index(constraint, "["); idx != -1 {
		name = constraint[:idx]
	}
	switch name {
	case "opt":
		if !contains(value, valueOptions(constraint)) {
			return fmt.Errorf("value is not in value options (%s)", constraint)
		}
		return nil
	case "range":
		return validateRange(value, constraint)
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
}

func checkPath(path string, dir bool) error {
	file, err := os.Stat(path)
	if err != nil {
		// includes the not exists error
		return err
	}
	if dir && !file.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

// valueOptions parses the body of an opt[...] constraint. Options containing
// a comma must be single quoted: opt[first,'second,third'].
func valueOptions(constraint string) []string {
	body := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var opts []string
	var current strings.Builder
	inQuote := false
	for _, r := range body {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(opts, current.String())
}

func contains(value string, options []string) bool {
	for _, opt := range options {
		if opt == value {
			return true
		}
	}
	return false
}

// validateRange checks a range[min..max] constraint. Both bounds are inclusive.
func validateRange(value, constraint string) error {
	if value == "" {
		return nil
	}

	body := strings.TrimSuffix(strings.TrimPrefix(constraint, "range["), "]")
	bounds := strings.SplitN(body, "..", 2)
	if len(bounds) != 2 {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return errors.New("can't convert to int")
	}

	if bounds[0] != "" {
		min, err := strconv.ParseInt(bounds[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid range lower bound (%s)", constraint)
		}
		if n < min {
			return fmt.Errorf("value is out of range (%s)", constraint)
		}
	}
	if bounds[1] != "" {
		max, err := strconv.ParseInt(bounds[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid range upper bound (%s)", constraint)
		}
		if n > max {
			return fmt.Errorf("value is out of range (%s)", constraint)
		}
	}
	return nil
}

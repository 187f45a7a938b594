package config

import (
	"reflect"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// Validator is implemented by configuration structs with custom rules.
// Errors that are already *sserr.Error pass through; others are wrapped
// with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

// validate checks required tags depth-first and then runs Validate on rv
// itself, so nested sections are validated before the section containing
// them.
func validate(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if isNested(field) {
			if err := validate(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	if !rv.CanAddr() {
		return nil
	}
	v, ok := rv.Addr().Interface().(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isSSErr := sserr.AsError(err); isSSErr {
			return err
		}
		return sserr.Wrapf(err, sserr.CodeValidation, "config: validation of %q failed", displayPath(path))
	}
	return nil
}

func displayPath(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

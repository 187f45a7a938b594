// Package config loads the service configuration from struct tag
// defaults, an optional YAML or JSON file, and environment variables, in
// that order of increasing priority:
//
//	envDefault struct tags  (lowest)
//	YAML/JSON config file
//	environment variables   (highest)
//
// Recognised struct tags:
//
//   - `env:"NAME"` maps a field to NAME (prefixed by the loader prefix and
//     by the env tags of enclosing structs, joined with "_").
//   - `envDefault:"value"` is applied when the field is zero.
//   - `required:"true"` fails validation when the field is still zero.
//
// File loading goes through the `yaml`/`json` tags of the fields.
//
//	cfg := config.MustLoad[app.Config](
//	    config.New().WithEnvPrefix("CLINIC").WithFile("clinic-auth.yaml"),
//	)
//
// The loaded value is meant to be treated as immutable for the life of the
// process and passed explicitly into constructors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration. It is not safe for concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
}

// New returns a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix sets the upper-cased prefix prepended to every env name.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets an optional .yaml, .yml or .json file. A missing file is
// not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, and then
// validates it. Validation checks `required` tags and calls Validate on
// every struct (the root and nested ones) implementing [Validator].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := walk(rv, "", applyDefault); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := walk(rv, l.envPrefix, applyEnv); err != nil {
		return err
	}
	return validate(rv, "")
}

// MustLoad loads a T or panics. Intended for process start-up.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	ext := strings.ToLower(filepath.Ext(l.filePath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

// fieldFunc is applied to every settable leaf field. prefix is the env
// prefix accumulated from the loader and enclosing structs.
type fieldFunc func(field reflect.Value, sf reflect.StructField, prefix string) error

// walk visits the leaf fields of rv depth-first. A nested struct's env tag
// extends the prefix for its children.
func walk(rv reflect.Value, prefix string, fn fieldFunc) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(field) {
			if err := walk(field, joinEnv(prefix, sf.Tag.Get("env")), fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(field, sf, prefix); err != nil {
			return err
		}
	}
	return nil
}

func isNested(field reflect.Value) bool {
	return field.Kind() == reflect.Struct && field.Type() != durationType
}

func joinEnv(prefix, name string) string {
	switch {
	case name == "":
		return prefix
	case prefix == "":
		return name
	default:
		return prefix + "_" + name
	}
}

func applyDefault(field reflect.Value, sf reflect.StructField, _ string) error {
	tag := sf.Tag.Get("envDefault")
	if tag == "" || !field.IsZero() {
		return nil
	}
	if err := setField(field, tag); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to apply default for field %q", sf.Name)
	}
	return nil
}

func applyEnv(field reflect.Value, sf reflect.StructField, prefix string) error {
	name := sf.Tag.Get("env")
	if name == "" {
		return nil
	}
	key := joinEnv(prefix, name)
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	if err := setField(field, val); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to set field %q from env var %q", sf.Name, key)
	}
	return nil
}

// setField parses value into field. Supported kinds: string (including
// named string types such as [Secret]), bool, signed ints,
// time.Duration, float64, []string ("a,b,c") and map[string]string
// ("k1=v1,k2=v2").
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := splitList(value)
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported map type %s", field.Type())
		}
		m := reflect.MakeMap(field.Type())
		for _, pair := range splitList(value) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return fmt.Errorf("cannot parse map entry %q (want key=value)", pair)
			}
			m.SetMapIndex(
				reflect.ValueOf(strings.TrimSpace(k)).Convert(field.Type().Key()),
				reflect.ValueOf(strings.TrimSpace(v)).Convert(field.Type().Elem()),
			)
		}
		field.Set(m)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(value string) []string {
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

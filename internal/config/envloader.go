package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// envBinding is a config field settable from an environment variable.
type envBinding struct {
	name  string
	field reflect.Value
}

// envParsers convert a variable to a field value, keyed by the field's kind.
var envParsers = map[reflect.Kind]func(string, reflect.Type) (reflect.Value, error){
	reflect.String: func(s string, t reflect.Type) (reflect.Value, error) {
		return reflect.ValueOf(s).Convert(t), nil
	},
	reflect.Bool: func(s string, t reflect.Type) (reflect.Value, error) {
		b, err := strconv.ParseBool(s)
		return reflect.ValueOf(b).Convert(t), err
	},
	reflect.Int: parseInt,
	reflect.Int64: func(s string, t reflect.Type) (reflect.Value, error) {
		if t == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(s)
			return reflect.ValueOf(d), err
		}
		return parseInt(s, t)
	},
	// Unsigned values are runtime addresses and counts; a 0x prefix
	// selects hex.
	reflect.Uint64: func(s string, t reflect.Type) (reflect.Value, error) {
		v, err := strconv.ParseUint(s, 0, 64)
		return reflect.ValueOf(v).Convert(t), err
	},
	reflect.Slice: func(s string, t reflect.Type) (reflect.Value, error) {
		if t.Elem().Kind() != reflect.String {
			return reflect.Value{}, fmt.Errorf("unsupported list of %s", t.Elem())
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return reflect.ValueOf(parts), nil
	},
}

func parseInt(s string, t reflect.Type) (reflect.Value, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	return reflect.ValueOf(v).Convert(t), err
}

// LoadFromEnv overrides the fields of cfg tagged `env` with the HOOKGUARD_*
// variables that are set and non-empty. Every invalid variable is reported,
// and cfg is only modified when all of them parse.
func LoadFromEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	type update struct {
		field reflect.Value
		value reflect.Value
	}
	var updates []update
	var errs []error
	for _, b := range envBindings(reflect.ValueOf(cfg).Elem()) {
		raw, ok := os.LookupEnv(b.name)
		if !ok || raw == "" {
			continue
		}
		parse, ok := envParsers[b.field.Kind()]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unsupported field type %s", b.name, b.field.Type()))
			continue
		}
		v, err := parse(raw, b.field.Type())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.name, raw, err))
			continue
		}
		updates = append(updates, update{field: b.field, value: v})
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, u := range updates {
		u.field.Set(u.value)
	}
	return nil
}

// envBindings lists the tagged fields of v and of the structs it embeds
// or holds.
func envBindings(v reflect.Value) []envBinding {
	var out []envBinding
	for i := 0; i < v.NumField(); i++ {
		f, sf := v.Field(i), v.Type().Field(i)
		switch {
		case !f.CanSet():
		case f.Kind() == reflect.Struct:
			out = append(out, envBindings(f)...)
		case sf.Tag.Get("env") != "":
			out = append(out, envBinding{name: sf.Tag.Get("env"), field: f})
		}
	}
	return out
}

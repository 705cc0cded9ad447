package config

import (
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local then .env into the process environment,
// without overriding variables already set. Missing files are not an error.
func LoadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// applyEnvOverrides walks cfg's `env:"NAME"` struct tags and overwrites the
// field with os.Getenv(NAME) when the variable is set. This mirrors the
// precedence the specification names in §6: env vars override the loaded
// YAML file.
func applyEnvOverrides(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			applyEnvOverrides(fv)
			continue
		}
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(tag)
		if !ok || raw == "" {
			continue
		}
		setFieldFromString(fv, raw)
	}
}

func setFieldFromString(fv reflect.Value, raw string) {
	if !fv.CanSet() {
		return
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration is an int64 underneath; prefer duration parsing.
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(raw); err == nil {
				fv.SetInt(int64(d))
				return
			}
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.SetFloat(f)
		}
	}
}

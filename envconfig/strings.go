package envconfig

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bitrise-io/go-utils/colorstring"
)

// Print writes the config struct's fields and their values to the standard
// output, one per line. Secret values are masked, unset fields show <unset>.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		if v.IsZero() {
			return ""
		}
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return valueString(v.Elem())
	}

	return ""
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	str := colorstring.Bluef("%s:\n", titled(t.Name()))
	for i := 0; i < t.NumField(); i++ {
		key, ok := t.Field(i).Tag.Lookup("env")
		if ok {
			key, _ = parseTag(key)
		} else {
			key = t.Field(i).Name
		}

		value := valueString(v.Field(i))
		if value == "" {
			value = "<unset>"
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}

	return str
}

func titled(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

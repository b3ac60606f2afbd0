// Package schema validates CRM records against per-collection JSON Schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ValidationError reports the first constraint a document broke.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string { return e.Path + ": " + e.Reason }

func fail(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a full record against a JSON Schema (draft-07 subset).
// Returns nil if validation passes or the schema is nil.
//
// Supported JSON Schema keywords:
//   - type (string, number, integer, boolean, object, array, null)
//   - properties, required, additionalProperties
//   - items (for arrays)
//   - minimum, maximum, exclusiveMinimum, exclusiveMaximum
//   - minLength, maxLength, pattern, format (email, date-time)
//   - minItems, maxItems
//   - enum
func Validate(schema map[string]any, doc map[string]any) error {
	if schema == nil {
		return nil
	}
	return validator{}.value(schema, doc, "$")
}

// ValidatePatch checks a partial update. The top-level required list is
// ignored since the fields it names already exist on the stored record;
// every field that is present must still satisfy its property schema.
func ValidatePatch(schema map[string]any, patch map[string]any) error {
	if schema == nil {
		return nil
	}
	return validator{partial: true}.value(schema, patch, "$")
}

// CheckSchema rejects schemas whose keywords have the wrong shape, so a
// broken schema is refused when it is registered rather than when the first
// record is validated against it.
func CheckSchema(schema map[string]any) error {
	return checkSchema(schema, "$")
}

var knownTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
	"object": true, "array": true, "null": true,
}

func checkSchema(s map[string]any, path string) error {
	if t, ok := s["type"]; ok {
		ts, isString := t.(string)
		if !isString || !knownTypes[ts] {
			return fail(path, "unknown type %v", t)
		}
	}
	if req, ok := s["required"]; ok {
		list, isList := req.([]any)
		if !isList {
			return fail(path, "required must be an array")
		}
		for _, r := range list {
			if _, ok := r.(string); !ok {
				return fail(path, "required entries must be strings")
			}
		}
	}
	if p, ok := s["pattern"]; ok {
		ps, isString := p.(string)
		if !isString {
			return fail(path, "pattern must be a string")
		}
		if _, err := regexp.Compile(ps); err != nil {
			return fail(path, "invalid pattern: %v", err)
		}
	}
	if e, ok := s["enum"]; ok {
		if _, isList := e.([]any); !isList {
			return fail(path, "enum must be an array")
		}
	}
	if props, ok := s["properties"]; ok {
		pm, isMap := props.(map[string]any)
		if !isMap {
			return fail(path, "properties must be an object")
		}
		for field, ps := range pm {
			sub, isMap := ps.(map[string]any)
			if !isMap {
				return fail(path+"."+field, "property schema must be an object")
			}
			if err := checkSchema(sub, path+"."+field); err != nil {
				return err
			}
		}
	}
	if items, ok := s["items"]; ok {
		sub, isMap := items.(map[string]any)
		if !isMap {
			return fail(path+"[]", "items must be an object")
		}
		return checkSchema(sub, path+"[]")
	}
	return nil
}

type validator struct {
	// partial skips the root object's required list.
	partial bool
}

func (v validator) value(schema map[string]any, value any, path string) error {
	if t, ok := schema["type"]; ok {
		if ts, ok := t.(string); ok {
			if err := checkType(ts, value, path); err != nil {
				return err
			}
		}
	}

	if enumRaw, ok := schema["enum"]; ok {
		if enumList, ok := enumRaw.([]any); ok {
			if err := checkEnum(enumList, value, path); err != nil {
				return err
			}
		}
	}

	switch val := value.(type) {
	case map[string]any:
		return v.object(schema, val, path)
	case []any:
		return v.array(schema, val, path)
	case string:
		return validateString(schema, val, path)
	case json.Number:
		f, _ := val.Float64()
		return validateNumber(schema, f, path)
	default:
		if f, ok := toFloat(value); ok {
			return validateNumber(schema, f, path)
		}
	}
	return nil
}

func checkType(expected string, value any, path string) error {
	actual := jsonType(value)
	if expected == "integer" {
		if f, ok := toFloat(value); ok && f == float64(int64(f)) {
			return nil
		}
		return fail(path, "expected type %q, got %q", expected, actual)
	}
	if actual != expected {
		if expected == "number" && actual == "integer" {
			return nil
		}
		return fail(path, "expected type %q, got %q", expected, actual)
	}
	return nil
}

func jsonType(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, json.Number:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	default:
		return reflect.TypeOf(v).String()
	}
}

func checkEnum(allowed []any, value any, path string) error {
	for _, a := range allowed {
		if reflect.DeepEqual(a, value) {
			return nil
		}
		if fa, ok := toFloat(a); ok {
			if fv, ok := toFloat(value); ok && fa == fv {
				return nil
			}
		}
	}
	return fail(path, "value not in enum %v", allowed)
}

func (v validator) object(schema map[string]any, obj map[string]any, path string) error {
	if !(v.partial && path == "$") {
		if reqList, ok := schema["required"].([]any); ok {
			for _, r := range reqList {
				if field, ok := r.(string); ok {
					if _, exists := obj[field]; !exists {
						return fail(path, "missing required field %q", field)
					}
				}
			}
		}
	}

	propsMap, _ := schema["properties"].(map[string]any)
	fields := make([]string, 0, len(propsMap))
	for field := range propsMap {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		val, exists := obj[field]
		if !exists {
			continue
		}
		ps, ok := propsMap[field].(map[string]any)
		if !ok {
			continue
		}
		if err := v.value(ps, val, path+"."+field); err != nil {
			return err
		}
	}

	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		var extra []string
		for field := range obj {
			if _, defined := propsMap[field]; !defined {
				extra = append(extra, field)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return fail(path, "additional properties not allowed: %s", strings.Join(extra, ", "))
		}
	}
	return nil
}

func (v validator) array(schema map[string]any, arr []any, path string) error {
	if n, ok := toFloat(schema["minItems"]); ok && float64(len(arr)) < n {
		return fail(path, "array length %d is less than minItems %v", len(arr), n)
	}
	if n, ok := toFloat(schema["maxItems"]); ok && float64(len(arr)) > n {
		return fail(path, "array length %d is greater than maxItems %v", len(arr), n)
	}
	if itemSchema, ok := schema["items"].(map[string]any); ok {
		for i, elem := range arr {
			if err := v.value(itemSchema, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateString(schema map[string]any, s string, path string) error {
	n := len([]rune(s))
	if v, ok := toFloat(schema["minLength"]); ok && float64(n) < v {
		return fail(path, "string length %d is less than minLength %v", n, v)
	}
	if v, ok := toFloat(schema["maxLength"]); ok && float64(n) > v {
		return fail(path, "string length %d is greater than maxLength %v", n, v)
	}
	if p, ok := schema["pattern"].(string); ok {
		re, err := regexp.Compile(p)
		if err != nil {
			return fail(path, "invalid pattern %q", p)
		}
		if !re.MatchString(s) {
			return fail(path, "%q does not match pattern %q", s, p)
		}
	}
	switch schema["format"] {
	case "email":
		if _, err := mail.ParseAddress(s); err != nil {
			return fail(path, "%q is not an email address", s)
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fail(path, "%q is not an RFC 3339 date-time", s)
		}
	}
	return nil
}

func validateNumber(schema map[string]any, n float64, path string) error {
	if v, ok := toFloat(schema["minimum"]); ok && n < v {
		return fail(path, "%v is less than minimum %v", n, v)
	}
	if v, ok := toFloat(schema["maximum"]); ok && n > v {
		return fail(path, "%v is greater than maximum %v", n, v)
	}
	if v, ok := toFloat(schema["exclusiveMinimum"]); ok && n <= v {
		return fail(path, "%v is not greater than exclusiveMinimum %v", n, v)
	}
	if v, ok := toFloat(schema["exclusiveMaximum"]); ok && n >= v {
		return fail(path, "%v is not less than exclusiveMaximum %v", n, v)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

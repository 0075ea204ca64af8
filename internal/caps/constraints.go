package caps

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Constraint restricts one capability.
type Constraint struct {
	Presence  bool
	IsString  bool
	IsNumber  bool
	IsBoolean bool
	IsObject  bool
	// Inclusion lists allowed string values, matched exactly.
	Inclusion []string
	// InclusionCaseInsensitive lists allowed string values, matched
	// ignoring case.
	InclusionCaseInsensitive []string
}

// Constraints maps capability names to their constraint.
type Constraints map[string]Constraint

// Merge returns a copy of c with other's entries layered on top.
func (c Constraints) Merge(other Constraints) Constraints {
	out := make(Constraints, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// BaseConstraints are the constraints every session is validated against.
// automationNames is the set of names the driver registry knows about.
func BaseConstraints(automationNames []string) Constraints {
	return Constraints{
		"platformName":                 {Presence: true, IsString: true},
		"deviceName":                   {IsString: true},
		"platformVersion":              {IsString: true},
		"newCommandTimeout":            {IsNumber: true},
		"automationName":               {IsString: true, InclusionCaseInsensitive: automationNames},
		"autoLaunch":                   {IsBoolean: true},
		"udid":                         {IsString: true},
		"orientation":                  {Inclusion: []string{"LANDSCAPE", "PORTRAIT"}},
		"autoWebview":                  {IsBoolean: true},
		"noReset":                      {IsBoolean: true},
		"fullReset":                    {IsBoolean: true},
		"language":                     {IsString: true},
		"locale":                       {IsString: true},
		"eventTimings":                 {IsBoolean: true},
		"printPageSourceOnFindFailure": {IsBoolean: true},
	}
}

// FieldError is one failed constraint.
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return fmt.Sprintf("'%s' %s", f.Field, f.Reason)
}

// ValidationError lists every capability that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	reasons := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		reasons = append(reasons, f.String())
	}
	return "The desiredCapabilities object was not valid for the following reason(s): " +
		strings.Join(reasons, ", ")
}

// Has reports whether field failed validation.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// Validate checks caps against constraints. Fields are reported in name
// order so messages are stable.
func Validate(caps map[string]any, constraints Constraints) error {
	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	var fields []FieldError
	for _, name := range names {
		if reason, ok := check(caps, name, constraints[name]); !ok {
			fields = append(fields, FieldError{Field: name, Reason: reason})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

func check(caps map[string]any, name string, c Constraint) (string, bool) {
	value, present := caps[name]
	if !present || value == nil {
		if c.Presence {
			return "can't be blank", false
		}
		return "", true
	}

	switch {
	case c.IsString:
		if _, ok := value.(string); !ok {
			return "must be of type string", false
		}
	case c.IsNumber:
		if !isNumber(value) {
			return "must be of type number", false
		}
	case c.IsBoolean:
		if _, ok := value.(bool); !ok {
			return "must be of type boolean", false
		}
	case c.IsObject:
		if _, ok := value.(map[string]any); !ok {
			return "must be of type object", false
		}
	}
	if c.Presence {
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return "can't be blank", false
		}
	}

	if len(c.Inclusion) > 0 {
		s, _ := value.(string)
		if !contains(c.Inclusion, s, false) {
			return fmt.Sprintf("%v not part of %s", value, strings.Join(c.Inclusion, ",")), false
		}
	}
	if len(c.InclusionCaseInsensitive) > 0 {
		s, _ := value.(string)
		if !contains(c.InclusionCaseInsensitive, s, true) {
			return fmt.Sprintf("%v not part of %s", value, strings.Join(c.InclusionCaseInsensitive, ",")), false
		}
	}
	return "", true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	default:
		return false
	}
}

func contains(list []string, value string, foldCase bool) bool {
	for _, item := range list {
		if item == value || (foldCase && strings.EqualFold(item, value)) {
			return true
		}
	}
	return false
}

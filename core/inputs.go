package core

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// validateActionInputs coerces and validates raw parameters against the
// action's input schema. The returned mapping contains only declared inputs;
// everything else is dropped. Validation stops at the first failing input,
// reported in parameter-name order so errors are deterministic.
func validateActionInputs(action *Action, raw ActionParams) (ActionParams, error) {
	validated := make(ActionParams, len(action.Inputs))

	names := make([]string, 0, len(action.Inputs))
	for name := range action.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		input := action.Inputs[name]

		value, exists := raw[name]
		if !exists || value == nil {
			if input.Default != nil {
				value = input.Default
			} else if input.Required {
				return nil, ParamError(KindActionParamRequired,
					fmt.Sprintf("%s is a required parameter", name), name, nil)
			} else {
				continue
			}
		}

		// An empty list means "present and empty". It satisfies Required
		// and skips element validation.
		if list, ok := value.([]interface{}); ok && len(list) == 0 {
			validated[name] = []interface{}{}
			continue
		}

		if input.Multiple {
			list, ok := value.([]interface{})
			if !ok {
				list = []interface{}{value}
			}
			out := make([]interface{}, len(list))
			for i, element := range list {
				coerced, err := coerceAndCheck(name, input, element)
				if err != nil {
					return nil, err
				}
				out[i] = coerced
			}
			validated[name] = out
			continue
		}

		coerced, err := coerceAndCheck(name, input, value)
		if err != nil {
			return nil, err
		}
		validated[name] = coerced
	}

	return validated, nil
}

// coerceAndCheck runs one value through formatter (or built-in coercion),
// constraints and the custom validator.
func coerceAndCheck(name string, input *Input, value interface{}) (interface{}, error) {
	var err error

	if input.Formatter != nil {
		value, err = input.Formatter(value)
		if err != nil {
			return nil, ParamError(KindActionParamFormatting,
				fmt.Sprintf("cannot format %s: %v", name, err), name, errorValue(input, value))
		}
	} else {
		value, err = coerceType(name, input, value)
		if err != nil {
			return nil, err
		}
	}

	if err := checkConstraints(name, input, value); err != nil {
		return nil, err
	}

	if input.Validator != nil {
		if err := input.Validator(value); err != nil {
			return nil, ParamError(KindActionParamValidation,
				err.Error(), name, errorValue(input, value))
		}
	}

	return value, nil
}

// coerceType converts the incoming value to the declared type. Strings are
// parsed into numbers and booleans; scalars are stringified for string
// inputs. Anything else is a formatting failure.
func coerceType(name string, input *Input, value interface{}) (interface{}, error) {
	switch input.Type {
	case InputString:
		switch v := value.(type) {
		case string:
			return v, nil
		case float64, int, int64, bool:
			return fmt.Sprint(v), nil
		}
		return nil, formattingError(name, input, value, "a string")

	case InputNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, formattingError(name, input, value, "a number")
			}
			return f, nil
		}
		return nil, formattingError(name, input, value, "a number")

	case InputInteger:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			if math.Trunc(v) != v {
				return nil, formattingError(name, input, value, "an integer")
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, formattingError(name, input, value, "an integer")
			}
			return n, nil
		}
		return nil, formattingError(name, input, value, "an integer")

	case InputBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, formattingError(name, input, value, "a boolean")
			}
			return b, nil
		}
		return nil, formattingError(name, input, value, "a boolean")

	case InputFile:
		if f, ok := value.(*UploadedFile); ok {
			return f, nil
		}
		return nil, formattingError(name, input, value, "a file upload")

	default: // InputAny or unset
		return value, nil
	}
}

// checkConstraints enforces min/max, length bounds and the pattern.
func checkConstraints(name string, input *Input, value interface{}) error {
	if n, ok := asFloat(value); ok {
		if input.Min != nil && n < *input.Min {
			return ParamError(KindActionParamValidation,
				fmt.Sprintf("%s must be at least %v", name, *input.Min), name, errorValue(input, value))
		}
		if input.Max != nil && n > *input.Max {
			return ParamError(KindActionParamValidation,
				fmt.Sprintf("%s must be at most %v", name, *input.Max), name, errorValue(input, value))
		}
	}

	if s, ok := value.(string); ok {
		length := utf8.RuneCountInString(s)
		if input.MinLength > 0 && length < input.MinLength {
			return ParamError(KindActionParamValidation,
				fmt.Sprintf("%s must be at least %d characters long", name, input.MinLength),
				name, errorValue(input, value))
		}
		if input.MaxLength > 0 && length > input.MaxLength {
			return ParamError(KindActionParamValidation,
				fmt.Sprintf("%s must be at most %d characters long", name, input.MaxLength),
				name, errorValue(input, value))
		}
		if input.Pattern != nil && !input.Pattern.MatchString(s) {
			return ParamError(KindActionParamValidation,
				fmt.Sprintf("%s does not match the required pattern", name),
				name, errorValue(input, value))
		}
	}

	return nil
}

// asFloat reports value as a float64 for numeric range checks.
func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func formattingError(name string, input *Input, value interface{}, expected string) error {
	return ParamError(KindActionParamFormatting,
		fmt.Sprintf("%s must be %s", name, expected), name, errorValue(input, value))
}

// errorValue is the value attached to a validation error: the real value,
// unless the field is secret.
func errorValue(input *Input, value interface{}) interface{} {
	if input.Secret {
		return SecretPlaceholder
	}
	if f, ok := value.(*UploadedFile); ok {
		return fileSummary(f)
	}
	return value
}

// fileSummary is the loggable shape of an uploaded file.
func fileSummary(f *UploadedFile) map[string]interface{} {
	return map[string]interface{}{
		"name": f.Name,
		"type": f.ContentType,
		"size": f.Size,
	}
}

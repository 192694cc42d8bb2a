package core

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireParamError(t *testing.T, err error, kind ErrorKind, key string) *TypedError {
	t.Helper()
	require.Error(t, err)
	te, ok := AsTypedError(err)
	require.True(t, ok, "expected a typed error, got %T", err)
	assert.Equal(t, kind, te.Kind)
	assert.Equal(t, key, te.Key)
	return te
}

func TestValidateInputs_Required(t *testing.T) {
	action := &Action{
		Name: "user:create",
		Inputs: map[string]*Input{
			"name": {Type: InputString, Required: true},
		},
		Run: noopRun,
	}

	_, err := validateActionInputs(action, ActionParams{})
	te := requireParamError(t, err, KindActionParamRequired, "name")
	assert.Contains(t, te.Message, "required")

	// JSON null counts as absent.
	_, err = validateActionInputs(action, ActionParams{"name": nil})
	requireParamError(t, err, KindActionParamRequired, "name")

	out, err := validateActionInputs(action, ActionParams{"name": "Mario"})
	require.NoError(t, err)
	assert.Equal(t, "Mario", out.GetString("name"))
}

func TestValidateInputs_Defaults(t *testing.T) {
	action := &Action{
		Name: "report",
		Inputs: map[string]*Input{
			"limit":  {Type: InputInteger, Default: int64(25)},
			"cursor": {Type: InputString},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{})
	require.NoError(t, err)

	limit, ok := out.GetInt("limit")
	require.True(t, ok)
	assert.Equal(t, int64(25), limit)
	assert.False(t, out.Exists("cursor"), "optional inputs without defaults stay absent")
}

func TestValidateInputs_StringConstraints(t *testing.T) {
	action := &Action{
		Name: "user:create",
		Inputs: map[string]*Input{
			"name": {Type: InputString, Required: true, MinLength: 3, MaxLength: 10},
		},
		Run: noopRun,
	}

	_, err := validateActionInputs(action, ActionParams{"name": "x"})
	te := requireParamError(t, err, KindActionParamValidation, "name")
	assert.Contains(t, te.Message, "at least 3 characters")
	assert.Equal(t, "x", te.Value)

	_, err = validateActionInputs(action, ActionParams{"name": strings.Repeat("a", 11)})
	te = requireParamError(t, err, KindActionParamValidation, "name")
	assert.Contains(t, te.Message, "at most 10 characters")

	out, err := validateActionInputs(action, ActionParams{"name": "Mario"})
	require.NoError(t, err)
	assert.Equal(t, "Mario", out.GetString("name"))
}

func TestValidateInputs_Pattern(t *testing.T) {
	action := &Action{
		Name: "user:create",
		Inputs: map[string]*Input{
			"email": {Type: InputString, Required: true, Pattern: regexp.MustCompile(`^[^@]+@[^@]+$`)},
		},
		Run: noopRun,
	}

	_, err := validateActionInputs(action, ActionParams{"email": "nope"})
	te := requireParamError(t, err, KindActionParamValidation, "email")
	assert.Contains(t, te.Message, "pattern")

	_, err = validateActionInputs(action, ActionParams{"email": "mario@example.com"})
	require.NoError(t, err)
}

func TestValidateInputs_NumberCoercion(t *testing.T) {
	action := &Action{
		Name: "math",
		Inputs: map[string]*Input{
			"value": {Type: InputNumber, Required: true, Min: Float64Ptr(0), Max: Float64Ptr(100)},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{"value": "42.5"})
	require.NoError(t, err)
	f, ok := out.GetFloat("value")
	require.True(t, ok)
	assert.Equal(t, 42.5, f)

	_, err = validateActionInputs(action, ActionParams{"value": "abc"})
	te := requireParamError(t, err, KindActionParamFormatting, "value")
	assert.Contains(t, te.Message, "must be a number")

	_, err = validateActionInputs(action, ActionParams{"value": "-1"})
	requireParamError(t, err, KindActionParamValidation, "value")

	_, err = validateActionInputs(action, ActionParams{"value": float64(101)})
	te = requireParamError(t, err, KindActionParamValidation, "value")
	assert.Contains(t, te.Message, "at most")
}

func TestValidateInputs_IntegerCoercion(t *testing.T) {
	action := &Action{
		Name: "math",
		Inputs: map[string]*Input{
			"count": {Type: InputInteger, Required: true},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{"count": "7"})
	require.NoError(t, err)
	n, ok := out.GetInt("count")
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	// Whole JSON numbers pass, fractional ones do not.
	out, err = validateActionInputs(action, ActionParams{"count": float64(7)})
	require.NoError(t, err)
	n, _ = out.GetInt("count")
	assert.Equal(t, int64(7), n)

	_, err = validateActionInputs(action, ActionParams{"count": 7.5})
	requireParamError(t, err, KindActionParamFormatting, "count")
}

func TestValidateInputs_BooleanCoercion(t *testing.T) {
	action := &Action{
		Name: "toggle",
		Inputs: map[string]*Input{
			"enabled": {Type: InputBoolean, Required: true},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{"enabled": "true"})
	require.NoError(t, err)
	b, ok := out.GetBool("enabled")
	require.True(t, ok)
	assert.True(t, b)

	_, err = validateActionInputs(action, ActionParams{"enabled": "maybe"})
	requireParamError(t, err, KindActionParamFormatting, "enabled")
}

func TestValidateInputs_SecretRedaction(t *testing.T) {
	action := &Action{
		Name: "session:create",
		Inputs: map[string]*Input{
			"password": {Type: InputString, Required: true, MinLength: 8, Secret: true},
		},
		Run: noopRun,
	}

	_, err := validateActionInputs(action, ActionParams{"password": "short"})
	te := requireParamError(t, err, KindActionParamValidation, "password")
	assert.Equal(t, SecretPlaceholder, te.Value, "secret values never leak into errors")
	assert.NotContains(t, fmt.Sprint(te.Envelope(false)), "short")
}

func TestValidateInputs_Multiple(t *testing.T) {
	action := &Action{
		Name: "tags:add",
		Inputs: map[string]*Input{
			"tags": {Type: InputString, Multiple: true},
		},
		Run: noopRun,
	}

	t.Run("list values coerce per element", func(t *testing.T) {
		out, err := validateActionInputs(action, ActionParams{
			"tags": []interface{}{"a", float64(2)},
		})
		require.NoError(t, err)
		list, ok := out.GetSlice("tags")
		require.True(t, ok)
		assert.Equal(t, []interface{}{"a", "2"}, list)
	})

	t.Run("single value wraps into a list", func(t *testing.T) {
		out, err := validateActionInputs(action, ActionParams{"tags": "solo"})
		require.NoError(t, err)
		list, ok := out.GetSlice("tags")
		require.True(t, ok)
		assert.Equal(t, []interface{}{"solo"}, list)
	})

	t.Run("empty list is preserved", func(t *testing.T) {
		out, err := validateActionInputs(action, ActionParams{"tags": []interface{}{}})
		require.NoError(t, err)
		list, ok := out.GetSlice("tags")
		require.True(t, ok)
		assert.Empty(t, list)
		assert.True(t, out.Exists("tags"), "the field exists and is empty")
	})
}

func TestValidateInputs_EmptyListSatisfiesRequired(t *testing.T) {
	action := &Action{
		Name: "batch",
		Inputs: map[string]*Input{
			"items": {Type: InputString, Multiple: true, Required: true},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{"items": []interface{}{}})
	require.NoError(t, err)
	assert.True(t, out.Exists("items"))
}

func TestValidateInputs_UndeclaredParamsDropped(t *testing.T) {
	action := &Action{
		Name: "echo",
		Inputs: map[string]*Input{
			"known": {Type: InputString},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{
		"known":     "yes",
		"_fanOutId": "sneaky",
		"other":     42,
	})
	require.NoError(t, err)
	assert.True(t, out.Exists("known"))
	assert.False(t, out.Exists("_fanOutId"))
	assert.False(t, out.Exists("other"))
}

func TestValidateInputs_FormatterAndValidator(t *testing.T) {
	action := &Action{
		Name: "normalize",
		Inputs: map[string]*Input{
			"code": {
				Type: InputString,
				Formatter: func(v interface{}) (interface{}, error) {
					s, ok := v.(string)
					if !ok {
						return nil, fmt.Errorf("not a string")
					}
					return strings.ToUpper(s), nil
				},
				Validator: func(v interface{}) error {
					if v.(string) == "BAD" {
						return fmt.Errorf("code BAD is reserved")
					}
					return nil
				},
			},
		},
		Run: noopRun,
	}

	out, err := validateActionInputs(action, ActionParams{"code": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "OK", out.GetString("code"))

	_, err = validateActionInputs(action, ActionParams{"code": 1})
	requireParamError(t, err, KindActionParamFormatting, "code")

	_, err = validateActionInputs(action, ActionParams{"code": "bad"})
	te := requireParamError(t, err, KindActionParamValidation, "code")
	assert.Contains(t, te.Message, "reserved")
}

func TestValidateInputs_File(t *testing.T) {
	action := &Action{
		Name: "upload",
		Inputs: map[string]*Input{
			"avatar": {Type: InputFile, Required: true},
		},
		Run: noopRun,
	}

	file := &UploadedFile{Name: "a.png", ContentType: "image/png", Size: 3, Data: []byte("abc")}
	out, err := validateActionInputs(action, ActionParams{"avatar": file})
	require.NoError(t, err)
	got, ok := out.GetFile("avatar")
	require.True(t, ok)
	assert.Equal(t, "a.png", got.Name)

	_, err = validateActionInputs(action, ActionParams{"avatar": "not-a-file"})
	requireParamError(t, err, KindActionParamFormatting, "avatar")
}

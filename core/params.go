package core

// ActionParams is the flat parameter mapping handed to actions after
// normalization and validation.
type ActionParams map[string]interface{}

// GetString returns a string parameter, or "" when absent or differently
// typed.
func (p ActionParams) GetString(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns a numeric parameter.
func (p ActionParams) GetFloat(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// GetInt returns an integer parameter.
func (p ActionParams) GetInt(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// GetBool returns a boolean parameter.
func (p ActionParams) GetBool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// GetFile returns an uploaded file parameter.
func (p ActionParams) GetFile(key string) (*UploadedFile, bool) {
	v, ok := p[key].(*UploadedFile)
	return v, ok
}

// GetSlice returns a list parameter.
func (p ActionParams) GetSlice(key string) ([]interface{}, bool) {
	v, ok := p[key].([]interface{})
	return v, ok
}

// Exists reports whether a key is present, regardless of its value.
func (p ActionParams) Exists(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy.
func (p ActionParams) Clone() ActionParams {
	out := make(ActionParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MergeParamSources folds parameter sources into one mapping. Sources are
// given in priority order: a key set by an earlier source is not overwritten
// by a later one, except that list values accumulate. Transports call this
// with path parameters first, then the decoded body, then form fields, then
// the query string.
func MergeParamSources(sources ...ActionParams) ActionParams {
	merged := make(ActionParams)
	for _, src := range sources {
		for key, value := range src {
			existing, present := merged[key]
			if !present {
				merged[key] = value
				continue
			}

			existingList, existingIsList := existing.([]interface{})
			if !existingIsList {
				// First source wins for scalar values.
				continue
			}
			if incoming, ok := value.([]interface{}); ok {
				merged[key] = append(existingList, incoming...)
			} else {
				merged[key] = append(existingList, value)
			}
		}
	}
	return merged
}

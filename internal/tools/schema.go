package tools

// Schema describes a tool to the completion engine and to the argument
// validator.
type Schema struct {
	Description string
	// Mutating tools change task state. They run one at a time and are
	// never reissued after a failure.
	Mutating bool
	Params   []Param
}

// Param declares one argument.
type Param struct {
	Name        string
	Type        string // JSON type: string, integer, number, boolean
	Description string
	Required    bool
	Enum        []string
	MinLength   int // strings; 0 = unbounded
	MaxLength   int
	Minimum     int // integers; 0 = unbounded
	Maximum     int
	Pattern     string
	Default     any
}

// JSONSchema renders s as a JSON Schema object. Unknown properties are
// rejected so a misspelled argument fails validation instead of being
// ignored.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Params))
	var required []string
	for _, p := range s.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.MinLength > 0 {
			prop["minLength"] = p.MinLength
		}
		if p.MaxLength > 0 {
			prop["maxLength"] = p.MaxLength
		}
		if p.Minimum != 0 {
			prop["minimum"] = p.Minimum
		}
		if p.Maximum != 0 {
			prop["maximum"] = p.Maximum
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

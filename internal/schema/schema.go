// Package schema reduces tool parameter schemas to the subset the
// model providers accept.
//
// The studio's tool server declares parameters in JSON Schema 2020-12,
// which carries metadata keys ($schema, additionalProperties) that the
// providers' function-calling APIs reject during validation. Normalize
// strips those keys recursively while leaving everything else intact.
package schema

// Dialect selects which provider's schema subset to normalize toward.
type Dialect int

const (
	// DialectGemini targets the FunctionDeclaration parameter format.
	DialectGemini Dialect = iota
	// DialectAnthropic targets the tool input_schema format.
	DialectAnthropic
)

// String returns the dialect name for logging.
func (d Dialect) String() string {
	switch d {
	case DialectGemini:
		return "gemini"
	case DialectAnthropic:
		return "anthropic"
	default:
		return "unknown"
	}
}

// unsupportedKeys returns the metadata keys the dialect's provider
// rejects. Both providers accept the same reduced subset (type,
// properties, required, enum, items, description), so the sets
// currently coincide; they are per-dialect so they can diverge.
func (d Dialect) unsupportedKeys() map[string]struct{} {
	switch d {
	case DialectGemini, DialectAnthropic:
		return map[string]struct{}{
			"$schema":              {},
			"additionalProperties": {},
		}
	default:
		return nil
	}
}

// Normalize returns a copy of schema with the dialect's unsupported
// keys removed at every nesting depth, including inside array-item
// schemas and nested object schemas. All other keys and values are
// preserved. Normalize never fails and never mutates its input;
// applying it twice yields the same result as applying it once.
func Normalize(schema map[string]any, d Dialect) map[string]any {
	if schema == nil {
		return nil
	}
	strip := d.unsupportedKeys()
	cleaned, _ := normalizeValue(schema, strip).(map[string]any)
	return cleaned
}

// normalizeValue walks an arbitrary decoded-JSON value. Maps are
// copied with stripped keys removed, slices are walked element-wise,
// and anything else is returned unchanged.
func normalizeValue(v any, strip map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(val))
		for k, item := range val {
			if _, drop := strip[k]; drop {
				continue
			}
			cleaned[k] = normalizeValue(item, strip)
		}
		return cleaned
	case []any:
		cleaned := make([]any, len(val))
		for i, item := range val {
			cleaned[i] = normalizeValue(item, strip)
		}
		return cleaned
	default:
		return v
	}
}

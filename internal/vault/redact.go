package vault

import "encoding/json"

// Placeholder replaces sensitive values in outward-facing configs. A fixed
// string, never partial masking that would leak length or format.
const Placeholder = "********"

var sensitiveKeys = map[string]struct{}{
	"password":    {},
	"passphrase":  {},
	"token":       {},
	"secret":      {},
	"secret_key":  {},
	"access_key":  {},
	"api_key":     {},
	"private_key": {},
	"user":        {},
	"username":    {},
}

// Redact returns a copy of the JSON config with every known-sensitive
// field replaced by Placeholder. Nested objects are walked; anything
// unparseable is redacted wholesale rather than passed through.
func Redact(config json.RawMessage) json.RawMessage {
	if len(config) == 0 {
		return config
	}
	var m map[string]interface{}
	if err := json.Unmarshal(config, &m); err != nil {
		return json.RawMessage(`"` + Placeholder + `"`)
	}
	redactMap(m)
	out, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`"` + Placeholder + `"`)
	}
	return out
}

func redactMap(m map[string]interface{}) {
	for k, v := range m {
		if _, sensitive := sensitiveKeys[k]; sensitive {
			m[k] = Placeholder
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			redactMap(nested)
		}
	}
}

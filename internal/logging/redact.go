package logging

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Field names blanked at any depth of a logged payload.
var sensitiveFields = map[string]bool{
	"value":         true,
	"apikey":        true,
	"api_key":       true,
	"password":      true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
}

var (
	apiKeyPattern = regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
)

const redacted = "[REDACTED]"

// RedactString applies regex-based redaction to a plain error string.
func RedactString(s string) string {
	s = apiKeyPattern.ReplaceAllString(s, redacted)
	s = bearerPattern.ReplaceAllString(s, redacted)
	return s
}

// RedactError returns a safe string form of err for logging.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactValue walks an arbitrary decoded JSON value and blanks sensitive
// fields at any depth.
func RedactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveFields[strings.ToLower(k)] {
				out[k] = redacted
				continue
			}
			out[k] = RedactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = RedactValue(val)
		}
		return out
	case string:
		return RedactString(t)
	default:
		return v
	}
}

// RedactJSON redacts a raw JSON payload. Non-JSON input falls back to
// string redaction.
func RedactJSON(raw []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return []byte(RedactString(string(raw)))
	}
	out, err := json.Marshal(RedactValue(v))
	if err != nil {
		return []byte(redacted)
	}
	return out
}

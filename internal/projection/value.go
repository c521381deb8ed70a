package projection

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Display tokens written to a watcher's value when its subscription fails.
const (
	// TokenError marks a subscription that was rejected or never confirmed.
	TokenError = "ERROR"

	// TokenUnsubscribed marks a subscription torn down after repeated errors.
	TokenUnsubscribed = "UNSUBSCRIBED: too many errors"

	degradedPrefix = "ERROR: "
)

// RemoteError is the structured error shape the server sends in place of a value.
type RemoteError struct {
	Type    string
	Message string
}

// remoteErrorJSON keeps ErrorType a pointer so an absent member is distinguishable.
type remoteErrorJSON struct {
	ErrorType *string `json:"errorType"`
	Message   string  `json:"message"`
}

// Project converts a raw JSON value into a string, float64 or bool.
// null becomes the empty string; objects and arrays become canonical JSON text.
func Project(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err == nil {
			return b
		}
	case 'n':
		return ""
	case '{', '[':
		if s, err := Canonical(trimmed); err == nil {
			return s
		}
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err == nil {
			return f
		}
	}

	return string(trimmed)
}

// Canonical re-encodes a JSON document compactly with sorted object keys.
// Numbers keep their original literal form and HTML characters are not escaped.
func Canonical(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// ParseRemoteError reports whether raw is the structured error shape:
// an object with a string errorType member.
func ParseRemoteError(raw json.RawMessage) (RemoteError, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return RemoteError{}, false
	}

	var e remoteErrorJSON
	if err := json.Unmarshal(trimmed, &e); err != nil || e.ErrorType == nil {
		return RemoteError{}, false
	}

	return RemoteError{Type: *e.ErrorType, Message: e.Message}, true
}

// Degraded returns the display value for a value-level error that has not
// yet reached the teardown threshold.
func Degraded(e RemoteError) string {
	switch {
	case e.Message != "":
		return degradedPrefix + e.Message
	case e.Type != "":
		return degradedPrefix + e.Type
	default:
		return TokenError
	}
}

package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential such as a database or Redis URL. It
// redacts itself when formatted, marshalled to JSON or logged through slog.
// Unmask returns the plaintext for the driver that needs it.
type SecretString string

func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON keeps secrets out of config dumps and API responses.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}

// Set reports whether the secret has a value.
func (s SecretString) Set() bool {
	return s != ""
}

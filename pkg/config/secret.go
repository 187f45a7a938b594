package config

const redacted = "[REDACTED]"

// Secret holds a sensitive string (signing key, client secret, password).
// Every formatting and text-marshalling path prints "[REDACTED]"; only
// [Secret.Value] exposes the raw value.
type Secret string

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps secrets out of JSON/YAML output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

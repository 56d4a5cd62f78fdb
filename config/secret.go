package config

import "strings"

const redacted = "*****"

// Secret is a string that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// Value returns the secret in clear text.
func (s Secret) Value() string {
	return string(s)
}

// UnmarshalEnvironmentValue ...
func (s *Secret) UnmarshalEnvironmentValue(data string) error {
	*s = Secret(strings.TrimSpace(data))
	return nil
}

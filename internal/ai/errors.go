package ai

import "fmt"

// MissingCredentialError is returned before any network call when no API key
// is configured for the resolved provider.
type MissingCredentialError struct {
	Provider ProviderID
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no API key configured for provider %q", e.Provider)
}

// ConfigurationError is returned when a model cannot be resolved to a known
// provider.
type ConfigurationError struct {
	Model  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("configuration error for model %q: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ContextOverflowError is returned when even the minimal required content (the
// newest user turn) exceeds the token budget. Callers must not truncate user
// input to recover.
type ContextOverflowError struct {
	Needed int
	Budget int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("message requires ~%d tokens but budget is %d", e.Needed, e.Budget)
}

// TransportError wraps a network or stream failure, including stalled
// connections detected by the connection monitor.
type TransportError struct {
	Provider ProviderID
	Stalled  bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Stalled {
		return fmt.Sprintf("%s stream stalled: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

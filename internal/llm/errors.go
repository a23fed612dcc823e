package llm

import "fmt"

// The error taxonomy for completion calls. Each type aborts only the
// call that raised it and leaves all other state untouched. Callers
// match with errors.As.
//
// There is deliberately no error for an unrecognized success payload:
// adapters return the raw response body as a best-effort string instead
// of failing.

// ValidationError reports input rejected before any network activity,
// such as a blank credential.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// HandshakeError aborts a completion call whose provider handshake
// failed. Message carries the handshake's own failure message; no
// completion request was attempted.
type HandshakeError struct {
	Provider string
	Message  string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %s", e.Provider, e.Message)
}

// TransportError is a non-success HTTP status from a provider. It is
// surfaced with status and body and never retried here.
type TransportError struct {
	Provider string
	Status   int
	Body     string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// UnsupportedProviderError reports a provider key with no registered
// adapter. This is a configuration fault, raised by the gateway and
// never retried.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("no adapter registered for provider %q", e.Provider)
}

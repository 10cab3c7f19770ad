package attribution

import "fmt"

// ConfigurationError reports an invalid run configuration: bad method
// options, mismatched example shapes, a graph that does not match the
// model's topology. It is always raised before the first model execution
// and never retried: the same inputs would fail the same way.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "attribution: configuration error: " + e.Reason
}

func configErrf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// CaptureError reports a required activation or gradient the model
// collaborator failed to record. Fatal: attribution correctness depends on
// complete captures, so no partial scores are produced.
type CaptureError struct {
	What string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("attribution: capture error (%s): %v", e.What, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

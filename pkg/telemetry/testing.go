package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
// This allows testing real components with telemetry completely disabled.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewDisabled is an alias for NewNoop for testing scenarios where
// telemetry should be explicitly disabled.
func NewDisabled() Telemetry {
	return NewNoop()
}

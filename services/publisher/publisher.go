package publisher

// Publisher represents a service for publishing ingest events. Publishing is
// best-effort telemetry for downstream consumers; catalog writes never depend
// on it.
type Publisher interface {
	// Publish publishes a message to a stream under the given key
	Publish(key string, message []byte) error

	// TrimStreams trims all streams to the configured maximum length
	TrimStreams() error

	// Close closes the publisher connection
	Close() error
}

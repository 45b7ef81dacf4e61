// Package metrics provides interfaces and implementations for collecting
// mailcore server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording SMTP and POP3 server
// metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)
	ConnectionRejected(protocol, reason string)

	// Message metrics
	MessageReceived(sizeBytes int64)
	MessageRejected(reason string)

	// Authentication metrics
	AuthAttempt(protocol, mechanism string, success bool)

	// Command metrics
	CommandProcessed(protocol, command string)

	// Delivery metrics
	DeliveryCompleted(success bool)

	// POP3-specific metrics
	SnapshotSize(messageCount int, totalBytes int64)
	RetrieveCompleted(success bool)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}

package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened(protocol string)             {}
func (n *NoopCollector) ConnectionClosed(protocol string)             {}
func (n *NoopCollector) TLSConnectionEstablished(protocol string)     {}
func (n *NoopCollector) ConnectionRejected(protocol, reason string)   {}
func (n *NoopCollector) MessageReceived(sizeBytes int64)              {}
func (n *NoopCollector) MessageRejected(reason string)                {}
func (n *NoopCollector) AuthAttempt(protocol, mechanism string, success bool) {}
func (n *NoopCollector) CommandProcessed(protocol, command string)    {}
func (n *NoopCollector) DeliveryCompleted(success bool)               {}
func (n *NoopCollector) SnapshotSize(messageCount int, totalBytes int64) {}
func (n *NoopCollector) RetrieveCompleted(success bool)                {}

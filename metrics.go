package gwcore

import "sync/atomic"

// Metrics tracks protocol-level events for the data-endpoint handler and
// secure session store. Handlers call Increment* and collectors read via
// Get*; the interface lets a caller swap in a Prometheus- or
// statsd-backed implementation.
type Metrics interface {
	IncrementAcksSent()
	IncrementDuplicateRequests()
	IncrementVersionMismatches()
	IncrementSequenceErrors()
	IncrementFrameTypeMismatches()
	IncrementSendTimeouts()
	IncrementSessionsCreated()
	IncrementSessionsClosed()
	IncrementSessionTimeouts()
	IncrementHandshakeFailures()
	IncrementAuthFailures()

	GetAcksSent() int64
	GetDuplicateRequests() int64
	GetVersionMismatches() int64
	GetSequenceErrors() int64
	GetFrameTypeMismatches() int64
	GetSendTimeouts() int64
	GetSessionsCreated() int64
	GetSessionsClosed() int64
	GetSessionTimeouts() int64
	GetHandshakeFailures() int64
	GetAuthFailures() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	acksSent            int64
	duplicateRequests   int64
	versionMismatches   int64
	sequenceErrors      int64
	frameTypeMismatches int64
	sendTimeouts        int64
	sessionsCreated     int64
	sessionsClosed      int64
	sessionTimeouts     int64
	handshakeFailures   int64
	authFailures        int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementAcksSent()            { atomic.AddInt64(&m.acksSent, 1) }
func (m *DefaultMetrics) IncrementDuplicateRequests()   { atomic.AddInt64(&m.duplicateRequests, 1) }
func (m *DefaultMetrics) IncrementVersionMismatches()   { atomic.AddInt64(&m.versionMismatches, 1) }
func (m *DefaultMetrics) IncrementSequenceErrors()      { atomic.AddInt64(&m.sequenceErrors, 1) }
func (m *DefaultMetrics) IncrementFrameTypeMismatches() { atomic.AddInt64(&m.frameTypeMismatches, 1) }
func (m *DefaultMetrics) IncrementSendTimeouts()        { atomic.AddInt64(&m.sendTimeouts, 1) }
func (m *DefaultMetrics) IncrementSessionsCreated()     { atomic.AddInt64(&m.sessionsCreated, 1) }
func (m *DefaultMetrics) IncrementSessionsClosed()      { atomic.AddInt64(&m.sessionsClosed, 1) }
func (m *DefaultMetrics) IncrementSessionTimeouts()     { atomic.AddInt64(&m.sessionTimeouts, 1) }
func (m *DefaultMetrics) IncrementHandshakeFailures()   { atomic.AddInt64(&m.handshakeFailures, 1) }
func (m *DefaultMetrics) IncrementAuthFailures()        { atomic.AddInt64(&m.authFailures, 1) }

func (m *DefaultMetrics) GetAcksSent() int64            { return atomic.LoadInt64(&m.acksSent) }
func (m *DefaultMetrics) GetDuplicateRequests() int64   { return atomic.LoadInt64(&m.duplicateRequests) }
func (m *DefaultMetrics) GetVersionMismatches() int64   { return atomic.LoadInt64(&m.versionMismatches) }
func (m *DefaultMetrics) GetSequenceErrors() int64      { return atomic.LoadInt64(&m.sequenceErrors) }
func (m *DefaultMetrics) GetFrameTypeMismatches() int64 { return atomic.LoadInt64(&m.frameTypeMismatches) }
func (m *DefaultMetrics) GetSendTimeouts() int64        { return atomic.LoadInt64(&m.sendTimeouts) }
func (m *DefaultMetrics) GetSessionsCreated() int64     { return atomic.LoadInt64(&m.sessionsCreated) }
func (m *DefaultMetrics) GetSessionsClosed() int64      { return atomic.LoadInt64(&m.sessionsClosed) }
func (m *DefaultMetrics) GetSessionTimeouts() int64     { return atomic.LoadInt64(&m.sessionTimeouts) }
func (m *DefaultMetrics) GetHandshakeFailures() int64   { return atomic.LoadInt64(&m.handshakeFailures) }
func (m *DefaultMetrics) GetAuthFailures() int64        { return atomic.LoadInt64(&m.authFailures) }

package gwcore

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChannelRole classifies the cEMI traffic a channel is allowed to carry.
type ChannelRole int

const (
	RoleTunnelingLinkLayer ChannelRole = iota
	RoleTunnelingBusMonitor
	RoleDeviceManagement
)

func (r ChannelRole) String() string {
	switch r {
	case RoleTunnelingLinkLayer:
		return "tunneling-linklayer"
	case RoleTunnelingBusMonitor:
		return "tunneling-busmonitor"
	case RoleDeviceManagement:
		return "device-management"
	default:
		return "unknown"
	}
}

// ConnState is a channel's connection state.
type ConnState int

const (
	StateOK ConnState = iota
	StateAckPending
	StateAckError
	StateClosed
)

// SendMode selects whether Send suspends for an ack.
type SendMode int

const (
	ModeBlocking SendMode = iota
	ModeNonBlocking
)

// ControlEndpoint is the callback surface a DataEndpoint uses to reach its
// owning control connection: close notification, subnet health, and the
// CONNECTIONSTATE_REQ compatibility-quirk response path (answered on the
// control endpoint, not the data endpoint that received the request).
type ControlEndpoint interface {
	NotifyClosed(channelID byte, reason string)
	SubnetStatus() ConnectionStateStatus
	RespondConnectionState(resp ConnectionStateResBody) error
}

// SessionWrapper is the subset of the secure session store a DataEndpoint
// needs: re-encrypting outbound traffic for a sessioned channel, and
// dropping the store's endpoint binding when the channel closes.
type SessionWrapper interface {
	Wrap(sessionID uint16, plaintext []byte) ([]byte, error)
	UnbindConnection(ctrl Addr)
}

// Transport sends a raw datagram or stream payload toward a peer.
type Transport interface {
	Send(payload []byte) error
}

// BusUplink receives cEMI frames dispatched upward from a channel.
type BusUplink interface {
	Dispatch(channelID byte, frame CEMIFrame)
}

// Channel holds the shared per-connection bookkeeping: identity, role,
// endpoints, sequence counters and state. DataEndpoint embeds it so the
// send/ack counters and timestamps live in one place regardless of the
// connection's role.
type Channel struct {
	mu sync.Mutex

	id            byte
	role          ChannelRole
	assignedAddr  IndividualAddress
	remoteControl Addr
	remoteData    Addr
	sessionID     uint16

	seqSend byte
	seqRecv byte

	lastMsg   time.Time
	createdAt time.Time
	state     ConnState
}

// NewChannel constructs a Channel in state OK with both sequence counters
// at zero.
func NewChannel(id byte, role ChannelRole, assignedAddr IndividualAddress, remoteControl, remoteData Addr, sessionID uint16) *Channel {
	now := time.Now()
	return &Channel{
		id:            id,
		role:          role,
		assignedAddr:  assignedAddr,
		remoteControl: remoteControl,
		remoteData:    remoteData,
		sessionID:     sessionID,
		lastMsg:       now,
		createdAt:     now,
		state:         StateOK,
	}
}

func (c *Channel) ID() byte                { return c.id }
func (c *Channel) Role() ChannelRole       { return c.role }
func (c *Channel) SessionID() uint16       { return c.sessionID }
func (c *Channel) AssignedAddress() IndividualAddress { return c.assignedAddr }

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SeqRecv returns the current inbound sequence counter.
func (c *Channel) SeqRecv() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqRecv
}

// SeqSend returns the current outbound sequence counter.
func (c *Channel) SeqSend() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqSend
}

// LastMsg returns the wall-clock time of the last accepted request.
func (c *Channel) LastMsg() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMsg
}

// DataEndpoint is the per-connection protocol state machine: request/ack
// bookkeeping, cEMI dispatch policy, tunneling-feature responses, and
// idempotent close. fmu serializes the one outbound request in flight;
// the loop thread posts the matching ack status to the single-slot ackCh
// and wakes the producer parked in Send.
type DataEndpoint struct {
	*Channel

	cfg      *Config
	metrics  Metrics
	log      *logrus.Entry
	features *FeatureTable

	control  ControlEndpoint
	sessions SessionWrapper
	uplink   BusUplink

	// out and tcp are guarded by the embedded Channel.mu: the loop thread
	// may rebind them while a producer is inside Send.
	out Transport
	tcp Transport // non-nil when this channel has a TCP fallback binding

	registry *Registry // sibling channels, for the port-mismatch recovery lookup

	resetCallback func()

	fmu       sync.Mutex
	ackCh     chan AckStatus
	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewDataEndpoint builds a DataEndpoint around a freshly created Channel.
func NewDataEndpoint(ch *Channel, cfg *Config, control ControlEndpoint, sessions SessionWrapper, uplink BusUplink, out Transport) *DataEndpoint {
	if cfg == nil {
		cfg = defaultConfig()
	}
	return &DataEndpoint{
		Channel:  ch,
		cfg:      cfg,
		metrics:  cfg.metrics,
		log:      cfg.log.WithField("channel", ch.id).WithField("role", ch.role.String()),
		features: NewFeatureTable(ch.assignedAddr),
		control:  control,
		sessions: sessions,
		uplink:   uplink,
		out:      out,
		ackCh:    make(chan AckStatus, 1),
		closedCh: make(chan struct{}),
	}
}

// SetResetCallback installs the callback fired when a device-management
// Reset.req is dispatched.
func (d *DataEndpoint) SetResetCallback(cb func()) { d.resetCallback = cb }

// BindTCP attaches (or clears, with nil) a TCP fallback transport. While
// bound, Send is forced non-blocking and posts straight to OK.
func (d *DataEndpoint) BindTCP(t Transport) {
	d.mu.Lock()
	d.tcp = t
	d.mu.Unlock()
}

func (d *DataEndpoint) tcpBound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tcp != nil
}

func (d *DataEndpoint) isClosed() bool {
	select {
	case <-d.closedCh:
		return true
	default:
		return false
	}
}

// AcceptDataService consumes one parsed inbound packet already stripped
// of its secure-session envelope. Returns false when the service type
// isn't one this handler owns, letting the loop adapter try another
// dispatcher.
func (d *DataEndpoint) AcceptDataService(h Header, payload []byte) bool {
	switch h.ServiceType {
	case SvcTunnelingReq, SvcDeviceConfigurationReq:
		d.handleRequest(h, payload)
		return true
	case SvcTunnelingAck, SvcDeviceConfigurationAck:
		d.handleAckFrame(h, payload)
		return true
	case SvcTunnelingFeatureGet:
		d.handleFeatureGet(payload)
		return true
	case SvcTunnelingFeatureSet:
		d.handleFeatureSet(payload)
		return true
	case SvcConnectionStateReq:
		d.handleConnectionStateReq(h, payload)
		return true
	default:
		return false
	}
}

func (d *DataEndpoint) handleRequest(h Header, payload []byte) {
	req, err := ParseRequestBody(payload)
	if err != nil {
		d.log.WithError(err).Warn("malformed request body, dropping")
		return
	}
	if req.ChannelID != d.id {
		// Port-mismatch recovery: a device-configuration packet landing on a
		// tunneling channel's local port gets rebound and re-dispatched to
		// the endpoint that actually owns the embedded channel id.
		if h.ServiceType == SvcDeviceConfigurationReq && d.role != RoleDeviceManagement && d.registry != nil {
			d.registry.RoutePortMismatch(d, h, payload)
			return
		}
		d.log.WithField("got_channel", req.ChannelID).Warn("channel id mismatch on request")
		return
	}
	if err := h.CheckVersion(); err != nil {
		d.metrics.IncrementVersionMismatches()
		d.sendAck(req.Seq, StatusVersionNotSupported)
		d.Close("version-mismatch")
		return
	}

	expected := d.SeqRecv()
	duplicate := d.role != RoleDeviceManagement && req.Seq == expected-1
	if req.Seq != expected && !duplicate {
		d.metrics.IncrementSequenceErrors()
		d.log.WithFields(logrus.Fields{"expected": expected, "got": req.Seq}).Warn("out-of-window sequence, ignoring")
		return
	}

	d.sendAck(req.Seq, StatusNoError)
	if duplicate {
		d.metrics.IncrementDuplicateRequests()
		return
	}

	d.mu.Lock()
	d.seqRecv = expected + 1
	d.lastMsg = time.Now()
	d.mu.Unlock()

	if len(req.CEMI) == 0 {
		return
	}
	d.dispatchCEMI(req.CEMI)
}

func (d *DataEndpoint) handleAckFrame(h Header, payload []byte) {
	ack, err := ParseAckBody(payload)
	if err != nil {
		d.log.WithError(err).Warn("malformed ack body, dropping")
		return
	}
	if ack.ChannelID != d.id {
		return
	}
	expected := d.SeqSend()
	if ack.Seq != expected {
		d.log.WithFields(logrus.Fields{"expected": expected, "got": ack.Seq}).Warn("ack sequence mismatch, ignoring")
		return
	}
	if err := h.CheckVersion(); err != nil {
		d.metrics.IncrementVersionMismatches()
		d.Close("version-mismatch")
		return
	}

	d.mu.Lock()
	d.seqSend = expected + 1
	d.mu.Unlock()

	if ack.Status == StatusNoError {
		d.setState(StateOK)
	} else {
		d.setState(StateAckError)
	}
	select {
	case d.ackCh <- ack.Status:
	default:
	}
}

// Send transmits a cEMI frame produced by the bus driver. mode is forced
// to ModeNonBlocking whenever a TCP fallback transport is bound.
func (d *DataEndpoint) Send(frame CEMIFrame, mode SendMode) error {
	if !d.roleAllowsOutbound(frame.Code) {
		return ErrFrameTypeMismatch
	}

	d.fmu.Lock()
	defer d.fmu.Unlock()

	if d.isClosed() {
		return ErrClosed
	}

	timeout, retries := d.cfg.AckTimeout(d.role)
	seq := d.SeqSend()
	body := RequestBody{ChannelID: d.id, Seq: seq, CEMI: frame.Raw}.Marshal()
	svc := SvcTunnelingReq
	if d.role == RoleDeviceManagement {
		svc = SvcDeviceConfigurationReq
	}
	pkt := Marshal(svc, len(body))
	copy(pkt[HeaderSize:], body)

	useTCP := d.tcpBound()
	if useTCP {
		mode = ModeNonBlocking
	}
	if mode == ModeBlocking {
		// Set before transmitting so an ack handled on the loop thread
		// right after the send is not overwritten.
		d.setState(StateAckPending)
	}
	if err := d.transmitData(pkt); err != nil {
		return err
	}
	if useTCP {
		d.setState(StateOK)
		return nil
	}
	if mode == ModeNonBlocking {
		return nil
	}

	for attempt := 0; ; attempt++ {
		select {
		case status := <-d.ackCh:
			if status == StatusNoError {
				return nil
			}
			return fmt.Errorf("%w: status 0x%02x", ErrAckError, status)
		case <-d.closedCh:
			return ErrClosed
		case <-time.After(timeout):
			d.metrics.IncrementSendTimeouts()
			if attempt >= retries {
				d.setState(StateAckError)
				return ErrSendTimeout
			}
			if err := d.transmitData(pkt); err != nil {
				return err
			}
		}
	}
}

func (d *DataEndpoint) roleAllowsOutbound(code MessageCode) bool {
	switch d.role {
	case RoleTunnelingLinkLayer:
		return code == MCLDataCon || code == MCLDataInd
	case RoleTunnelingBusMonitor:
		return code == MCBusmonInd
	case RoleDeviceManagement:
		switch code {
		case MCPropReadCon, MCPropWriteCon, MCResetInd:
			return true
		}
	}
	return false
}

func (d *DataEndpoint) dispatchCEMI(raw []byte) {
	frame, ok := ParseCEMI(raw)
	if !ok {
		return
	}
	switch d.role {
	case RoleTunnelingBusMonitor:
		d.log.Warn("busmonitor channel rejects inbound cemi injection")
	case RoleTunnelingLinkLayer:
		if frame.Code != MCLDataReq {
			d.metrics.IncrementFrameTypeMismatches()
			d.log.WithField("code", frame.Code).Warn("dropping non L_Data.req inbound frame")
			return
		}
		if src, ok := frame.SourceAddress(); ok && src == 0 {
			frame = frame.WithSourceAddress(d.assignedAddr)
		}
		d.uplink.Dispatch(d.id, frame)
	case RoleDeviceManagement:
		switch frame.Code {
		case MCPropReadReq, MCPropWriteReq:
			d.uplink.Dispatch(d.id, frame)
		case MCResetReq:
			if d.resetCallback != nil {
				d.resetCallback()
			}
			d.uplink.Dispatch(d.id, frame)
		default:
			d.log.WithField("code", frame.Code).Warn("dropping confirmation/indication on device-management channel")
		}
	}
}

func (d *DataEndpoint) sendAck(seq byte, status AckStatus) {
	svc := SvcTunnelingAck
	if d.role == RoleDeviceManagement {
		svc = SvcDeviceConfigurationAck
	}
	body := AckBody{ChannelID: d.id, Seq: seq, Status: status}.Marshal()
	pkt := Marshal(svc, len(body))
	copy(pkt[HeaderSize:], body)
	if err := d.transmitData(pkt); err != nil {
		d.log.WithError(err).Warn("failed to send ack")
		return
	}
	d.metrics.IncrementAcksSent()
}

func (d *DataEndpoint) handleFeatureGet(payload []byte) {
	req, err := ParseFeatureGetBody(payload)
	if err != nil || req.ChannelID != d.id {
		return
	}
	resp := FeatureResponseBody{
		ChannelID: d.id,
		Seq:       req.Seq,
		Feature:   req.Feature,
		Result:    FeatureResultSuccess,
		Value:     d.features.Get(req.Feature),
	}
	d.sendFeatureResponse(resp)
}

func (d *DataEndpoint) handleFeatureSet(payload []byte) {
	req, err := ParseFeatureSetBody(payload)
	if err != nil || req.ChannelID != d.id {
		return
	}
	result := d.features.Set(req.Feature, req.Value)
	resp := FeatureResponseBody{
		ChannelID: d.id,
		Seq:       req.Seq,
		Feature:   req.Feature,
		Result:    result,
		Value:     d.features.Get(req.Feature),
	}
	d.sendFeatureResponse(resp)
}

func (d *DataEndpoint) sendFeatureResponse(resp FeatureResponseBody) {
	body := resp.Marshal()
	pkt := Marshal(SvcTunnelingFeatureResponse, len(body))
	copy(pkt[HeaderSize:], body)
	if err := d.transmitData(pkt); err != nil {
		d.log.WithError(err).Warn("failed to send feature response")
	}
}

// handleConnectionStateReq implements the CONNECTIONSTATE_REQ
// compatibility quirk: accepted here though the protocol places it on the
// control endpoint, and answered there rather than on this data endpoint.
func (d *DataEndpoint) handleConnectionStateReq(h Header, payload []byte) {
	if err := h.CheckVersion(); err != nil {
		d.metrics.IncrementVersionMismatches()
		return
	}
	req, err := ParseConnectionStateReqBody(payload)
	if err != nil || req.ChannelID != d.id {
		return
	}
	if req.Control.Protocol != HostProtocolIPv4UDP {
		d.log.Warn("connectionstate req requires IPV4_UDP host protocol")
		return
	}
	if d.control == nil {
		return
	}
	resp := ConnectionStateResBody{ChannelID: d.id, Status: d.control.SubnetStatus()}
	if err := d.control.RespondConnectionState(resp); err != nil {
		d.log.WithError(err).Warn("failed to send connectionstate response on control endpoint")
	}
}

// transmitData sends an already-marshaled packet to this channel's data
// endpoint, wrapping it in the secure session envelope first when
// sessioned, and preferring a bound TCP fallback transport over the
// default (UDP) one.
func (d *DataEndpoint) transmitData(pkt []byte) error {
	out := pkt
	if d.sessionID != 0 && d.sessions != nil {
		wrapped, err := d.sessions.Wrap(d.sessionID, pkt)
		if err != nil {
			return err
		}
		out = wrapped
	}
	d.mu.Lock()
	t := d.tcp
	if t == nil {
		t = d.out
	}
	d.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Send(out)
}

// Close idempotently tears down the channel: notifies the owning control
// endpoint, clears any TCP binding, and wakes any pending Send with
// ErrClosed. Safe to call any number of times; only the first call has
// effect.
func (d *DataEndpoint) Close(reason string) {
	d.closeOnce.Do(func() {
		d.setState(StateClosed)
		close(d.closedCh)
		d.mu.Lock()
		d.tcp = nil
		d.mu.Unlock()
		if d.sessionID != 0 && d.sessions != nil {
			d.sessions.UnbindConnection(d.remoteControl)
		}
		if d.control != nil {
			d.control.NotifyClosed(d.id, reason)
		}
	})
}

// Tick lets an external sweeper observe idle time for heartbeat timeouts.
func (d *DataEndpoint) Tick(now time.Time) time.Duration {
	return now.Sub(d.LastMsg())
}

// Registry indexes the live data endpoints on one control connection's
// socket pair by channel id, implementing the port-mismatch recovery
// lookup: a device-configuration packet bearing a foreign channel id gets
// rebound to the handler that actually owns that id and re-dispatched.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[byte]*DataEndpoint
}

// NewRegistry builds an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[byte]*DataEndpoint)}
}

// Register adds a data endpoint under its channel id and hands it the
// registry reference it needs for the port-mismatch recovery lookup.
func (r *Registry) Register(d *DataEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.registry = r
	r.endpoints[d.id] = d
}

// Unregister removes a channel id from the registry.
func (r *Registry) Unregister(id byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// Get returns the data endpoint owning channel id, if any.
func (r *Registry) Get(id byte) (*DataEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.endpoints[id]
	return d, ok
}

// CloseSession closes every registered channel bound to sessionID,
// implementing Store's SessionChannelCascade hook: session removal
// cascades to all channels that reference it.
func (r *Registry) CloseSession(sessionID uint16) {
	r.mu.RLock()
	var bound []*DataEndpoint
	for _, d := range r.endpoints {
		if d.SessionID() == sessionID {
			bound = append(bound, d)
		}
	}
	r.mu.RUnlock()
	for _, d := range bound {
		d.Close("session-closed")
		r.Unregister(d.ID())
	}
}

// RoutePortMismatch implements the port-mismatch recovery rule: from is
// the endpoint that actually received the packet on its local port; if
// the packet's embedded channel id belongs to a different registered
// endpoint, that endpoint is rebound onto from's transport and the packet
// is re-dispatched there. Returns true either way: the packet was
// consumed even when the lookup finds nothing.
func (r *Registry) RoutePortMismatch(from *DataEndpoint, h Header, payload []byte) bool {
	req, err := ParseRequestBody(payload)
	if err != nil || req.ChannelID == from.id {
		return true
	}
	target, ok := r.Get(req.ChannelID)
	if !ok {
		from.log.WithField("target_channel", req.ChannelID).Warn("port-mismatch packet references unknown channel")
		return true
	}
	from.mu.Lock()
	out := from.out
	from.mu.Unlock()
	target.mu.Lock()
	target.out = out
	target.mu.Unlock()
	target.AcceptDataService(h, payload)
	return true
}

// Accept implements the secure store's downstream dispatch: a decrypted
// inner packet is routed to the data endpoint owning the channel id
// embedded in its body. A packet whose session does not match the
// channel's own binding is dropped, so one session cannot drive another
// session's channel.
func (r *Registry) Accept(h Header, payload []byte, sessionID uint16, src Addr) bool {
	id, ok := extractChannelID(h, payload)
	if !ok {
		return false
	}
	d, ok := r.Get(id)
	if !ok {
		return false
	}
	if d.SessionID() != sessionID {
		d.log.WithField("session_id", sessionID).Warn("sessioned packet for channel bound to a different session")
		return true
	}
	return d.AcceptDataService(h, payload)
}

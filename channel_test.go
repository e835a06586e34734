package gwcore

import (
	"sync"
	"testing"
	"time"
)

type fakeControl struct {
	mu            sync.Mutex
	closedCount   int
	closedReason  string
	connStateResp *ConnectionStateResBody
}

func (f *fakeControl) NotifyClosed(channelID byte, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCount++
	f.closedReason = reason
}

func (f *fakeControl) SubnetStatus() ConnectionStateStatus { return ConnStateNoError }

func (f *fakeControl) RespondConnectionState(resp ConnectionStateResBody) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := resp
	f.connStateResp = &r
	return nil
}

type fakeUplink struct {
	mu     sync.Mutex
	frames []CEMIFrame
}

func (f *fakeUplink) Dispatch(channelID byte, frame CEMIFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeUplink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func linkLayerFrame(dst uint16) []byte {
	// msgcode, addInfoLen=0, ctrl1, ctrl2, src=0/0/0, dst, npdu...
	return []byte{byte(MCLDataReq), 0x00, 0xBC, 0xE0, 0x00, 0x00, byte(dst >> 8), byte(dst), 0x01, 0x00}
}

// S1: tunneling happy path.
func TestDataEndpointTunnelingHappyPath(t *testing.T) {
	ch := NewChannel(7, RoleTunnelingLinkLayer, IndividualAddress(0x1203), Addr{}, Addr{}, 0)
	control := &fakeControl{}
	uplink := &fakeUplink{}
	out := &fakeTransport{}
	d := NewDataEndpoint(ch, nil, control, nil, uplink, out)

	body := RequestBody{ChannelID: 7, Seq: 0, CEMI: linkLayerFrame(0x1105)}.Marshal()
	h := Header{Version: ProtocolVersion, ServiceType: SvcTunnelingReq}

	if !d.AcceptDataService(h, body) {
		t.Fatal("request not handled")
	}

	if out.count() != 1 {
		t.Fatalf("acks sent = %d, want 1", out.count())
	}
	ackPkt := out.last()
	ackHeader, err := ParseHeader(ackPkt)
	if err != nil {
		t.Fatalf("ParseHeader(ack): %v", err)
	}
	if ackHeader.ServiceType != SvcTunnelingAck {
		t.Errorf("ack service type = %#x, want TUNNELING_ACK", ackHeader.ServiceType)
	}
	ack, err := ParseAckBody(ackHeader.Body(ackPkt))
	if err != nil {
		t.Fatalf("ParseAckBody: %v", err)
	}
	if ack.ChannelID != 7 || ack.Seq != 0 || ack.Status != StatusNoError {
		t.Errorf("ack = %+v, want {7 0 0}", ack)
	}

	if uplink.count() != 1 {
		t.Fatalf("dispatched frames = %d, want 1", uplink.count())
	}
	src, ok := uplink.frames[0].SourceAddress()
	if !ok || src != IndividualAddress(0x1203) {
		t.Errorf("dispatched source = %v, want 1.2.3", src)
	}
	if got := ch.SeqRecv(); got != 1 {
		t.Errorf("seq_recv = %d, want 1", got)
	}
}

// S2: duplicate request.
func TestDataEndpointDuplicateRequest(t *testing.T) {
	ch := NewChannel(7, RoleTunnelingLinkLayer, IndividualAddress(0x1203), Addr{}, Addr{}, 0)
	uplink := &fakeUplink{}
	out := &fakeTransport{}
	metrics := NewDefaultMetrics()
	cfg := ApplyOptions(WithMetrics(metrics))
	d := NewDataEndpoint(ch, cfg, &fakeControl{}, nil, uplink, out)

	body := RequestBody{ChannelID: 7, Seq: 0, CEMI: linkLayerFrame(0x1105)}.Marshal()
	h := Header{Version: ProtocolVersion, ServiceType: SvcTunnelingReq}

	d.AcceptDataService(h, body)
	d.AcceptDataService(h, body) // same seq again: duplicate-retransmit tolerance

	if out.count() != 2 {
		t.Fatalf("acks sent = %d, want 2", out.count())
	}
	if uplink.count() != 1 {
		t.Fatalf("dispatched frames = %d, want 1 (no redispatch on duplicate)", uplink.count())
	}
	if got := ch.SeqRecv(); got != 1 {
		t.Errorf("seq_recv = %d, want 1", got)
	}
	if got := metrics.GetDuplicateRequests(); got != 1 {
		t.Errorf("duplicate_requests = %d, want 1", got)
	}
}

// S3: version mismatch.
func TestDataEndpointVersionMismatchClosesChannel(t *testing.T) {
	ch := NewChannel(7, RoleTunnelingLinkLayer, IndividualAddress(0x1203), Addr{}, Addr{}, 0)
	control := &fakeControl{}
	out := &fakeTransport{}
	d := NewDataEndpoint(ch, nil, control, nil, &fakeUplink{}, out)

	body := RequestBody{ChannelID: 7, Seq: 0, CEMI: linkLayerFrame(0x1105)}.Marshal()
	h := Header{Version: 0x11, ServiceType: SvcTunnelingReq}

	d.AcceptDataService(h, body)

	ackPkt := out.last()
	ackHeader, _ := ParseHeader(ackPkt)
	ack, _ := ParseAckBody(ackHeader.Body(ackPkt))
	if ack.Status != StatusVersionNotSupported {
		t.Errorf("ack status = %#x, want VERSION_NOT_SUPPORTED", ack.Status)
	}
	if control.closedCount != 1 {
		t.Errorf("closed %d times, want 1", control.closedCount)
	}
	if ch.State() != StateClosed {
		t.Errorf("channel state = %v, want Closed", ch.State())
	}
}

// S4: feature get.
func TestDataEndpointFeatureGet(t *testing.T) {
	ch := NewChannel(7, RoleTunnelingLinkLayer, IndividualAddress(0x1203), Addr{}, Addr{}, 0)
	out := &fakeTransport{}
	d := NewDataEndpoint(ch, nil, &fakeControl{}, nil, &fakeUplink{}, out)

	// {size, channel_id, seq, reserved, feature_id}
	raw := []byte{0x05, 7, 1, 0, byte(FeatureIndividualAddress)}
	h := Header{Version: ProtocolVersion, ServiceType: SvcTunnelingFeatureGet}

	if !d.AcceptDataService(h, raw) {
		t.Fatal("feature get not handled")
	}

	respHeader, err := ParseHeader(out.last())
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	respBody := respHeader.Body(out.last())
	if respBody[1] != 7 || respBody[4] != byte(FeatureIndividualAddress) || respBody[5] != byte(FeatureResultSuccess) {
		t.Fatalf("unexpected feature response: % x", respBody)
	}
	value := respBody[6:]
	if len(value) != 2 || value[0] != 0x12 || value[1] != 0x03 {
		t.Errorf("feature value = % x, want 12 03", value)
	}
}

// Invariant 4: a busmonitor channel never dispatches inbound cEMI upward.
func TestDataEndpointBusMonitorRejectsInbound(t *testing.T) {
	ch := NewChannel(9, RoleTunnelingBusMonitor, 0, Addr{}, Addr{}, 0)
	uplink := &fakeUplink{}
	d := NewDataEndpoint(ch, nil, &fakeControl{}, nil, uplink, &fakeTransport{})

	body := RequestBody{ChannelID: 9, Seq: 0, CEMI: linkLayerFrame(0x1105)}.Marshal()
	h := Header{Version: ProtocolVersion, ServiceType: SvcTunnelingReq}
	d.AcceptDataService(h, body)

	if uplink.count() != 0 {
		t.Errorf("busmonitor channel dispatched %d frames, want 0", uplink.count())
	}
}

// Invariant 6: close is idempotent.
func TestDataEndpointCloseIdempotent(t *testing.T) {
	ch := NewChannel(7, RoleTunnelingLinkLayer, 0, Addr{}, Addr{}, 0)
	control := &fakeControl{}
	d := NewDataEndpoint(ch, nil, control, nil, &fakeUplink{}, &fakeTransport{})

	for i := 0; i < 5; i++ {
		d.Close("test")
	}
	if control.closedCount != 1 {
		t.Errorf("NotifyClosed called %d times, want 1", control.closedCount)
	}
}

// Invariant 2: an accepted ack advances seq_send and completes a blocking Send.
func TestDataEndpointSendAckCycle(t *testing.T) {
	ch := NewChannel(7, RoleTunnelingLinkLayer, 0, Addr{}, Addr{}, 0)
	out := &fakeTransport{}
	cfg := ApplyOptions(WithTunnelingTimeout(2*time.Second, 1))
	d := NewDataEndpoint(ch, cfg, &fakeControl{}, nil, &fakeUplink{}, out)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Send(CEMIFrame{Code: MCLDataInd, Raw: []byte{byte(MCLDataInd)}}, ModeBlocking)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for out.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for outbound request")
		}
		time.Sleep(time.Millisecond)
	}

	reqPkt := out.last()
	reqHeader, err := ParseHeader(reqPkt)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	req, err := ParseRequestBody(reqHeader.Body(reqPkt))
	if err != nil {
		t.Fatalf("ParseRequestBody: %v", err)
	}

	ackBody := AckBody{ChannelID: 7, Seq: req.Seq, Status: StatusNoError}.Marshal()
	d.AcceptDataService(Header{Version: ProtocolVersion, ServiceType: SvcTunnelingAck}, ackBody)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after ack")
	}

	if got := ch.SeqSend(); got != 1 {
		t.Errorf("seq_send = %d, want 1", got)
	}
	if got := ch.State(); got != StateOK {
		t.Errorf("state = %v, want OK", got)
	}
}

type fakeSessionWrapper struct {
	mu      sync.Mutex
	unbound []Addr
	wrapped int
}

func (f *fakeSessionWrapper) Wrap(sessionID uint16, plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrapped++
	return plaintext, nil
}

func (f *fakeSessionWrapper) UnbindConnection(ctrl Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound = append(f.unbound, ctrl)
}

// A sessioned channel drops its store binding exactly once on close.
func TestDataEndpointCloseUnbindsSession(t *testing.T) {
	ctrl := Addr{Port: 50001}
	ch := NewChannel(4, RoleTunnelingLinkLayer, 0, ctrl, Addr{}, 17)
	sessions := &fakeSessionWrapper{}
	d := NewDataEndpoint(ch, nil, &fakeControl{}, sessions, &fakeUplink{}, &fakeTransport{})

	d.Close("test")
	d.Close("test")

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.unbound) != 1 {
		t.Fatalf("UnbindConnection called %d times, want 1", len(sessions.unbound))
	}
	if sessions.unbound[0].Port != ctrl.Port {
		t.Errorf("unbound %v, want %v", sessions.unbound[0], ctrl)
	}
}

// A device-configuration packet bearing a foreign channel id gets rebound
// and re-dispatched to the endpoint that owns that id.
func TestRegistryPortMismatchRecovery(t *testing.T) {
	registry := NewRegistry()

	tunnelOut := &fakeTransport{}
	tunnelCh := NewChannel(7, RoleTunnelingLinkLayer, IndividualAddress(0x1203), Addr{}, Addr{}, 0)
	tunnel := NewDataEndpoint(tunnelCh, nil, &fakeControl{}, nil, &fakeUplink{}, tunnelOut)
	registry.Register(tunnel)

	mgmtOut := &fakeTransport{}
	mgmtCh := NewChannel(3, RoleDeviceManagement, 0, Addr{}, Addr{}, 0)
	mgmt := NewDataEndpoint(mgmtCh, nil, &fakeControl{}, nil, &fakeUplink{}, mgmtOut)
	registry.Register(mgmt)

	body := RequestBody{ChannelID: 3, Seq: 0, CEMI: []byte{byte(MCPropReadReq)}}.Marshal()
	h := Header{Version: ProtocolVersion, ServiceType: SvcDeviceConfigurationReq}
	if !tunnel.AcceptDataService(h, body) {
		t.Fatal("port-mismatch packet not handled")
	}

	if got := mgmtCh.SeqRecv(); got != 1 {
		t.Errorf("mgmt seq_recv = %d, want 1 (packet re-dispatched to owning channel)", got)
	}
	// The ack must leave on the port the packet actually arrived at.
	if tunnelOut.count() != 1 {
		t.Errorf("acks on receiving port = %d, want 1", tunnelOut.count())
	}
	if mgmtOut.count() != 0 {
		t.Errorf("acks on original mgmt port = %d, want 0", mgmtOut.count())
	}
}

// Frame-type-mismatch: producer submits a cEMI class the role disallows.
func TestDataEndpointSendFrameTypeMismatch(t *testing.T) {
	ch := NewChannel(9, RoleTunnelingBusMonitor, 0, Addr{}, Addr{}, 0)
	d := NewDataEndpoint(ch, nil, &fakeControl{}, nil, &fakeUplink{}, &fakeTransport{})

	err := d.Send(CEMIFrame{Code: MCLDataInd, Raw: []byte{byte(MCLDataInd)}}, ModeNonBlocking)
	if err != ErrFrameTypeMismatch {
		t.Errorf("err = %v, want ErrFrameTypeMismatch", err)
	}
}

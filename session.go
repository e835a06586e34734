package gwcore

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HandshakeState is a session's position in the Pending -> Authenticated
// -> Closed machine. Failed is represented as Closed; the session does not
// record why it was closed.
type HandshakeState int

const (
	HandshakePending HandshakeState = iota
	HandshakeAuthenticated
	HandshakeClosed
)

// Session is one authenticated, encrypted envelope that may carry one or
// more channels, per the data model.
type Session struct {
	mu sync.Mutex

	id            uint16
	clientControl Addr
	key           [16]byte
	sendSeq       uint64 // 48-bit
	lastUpdate    time.Time
	createdAt     time.Time
	userID        uint16
	serial        SerialNumber
	state         HandshakeState

	serverPub [32]byte
	clientPub [32]byte
}

func (s *Session) ID() uint16       { return s.id }
func (s *Session) ClientControl() Addr { return s.clientControl }

// UserID returns the authenticated user id (0 until SESSION_AUTH succeeds).
func (s *Session) UserID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// State returns the session's handshake state.
func (s *Session) State() HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUpdate = now
	s.mu.Unlock()
}

// PasswordHashProvider resolves a user id to its password hash. The
// provisioning mechanism is the surrounding server's concern, so it is a
// collaborator here rather than a hardcoded value.
type PasswordHashProvider interface {
	PasswordHash(userID uint16) ([16]byte, bool)
}

// SessionTransport sends a raw datagram to a client address, used for
// SESSION_RES/SESSION_STATUS replies which precede (or fall outside) any
// channel's own transport.
type SessionTransport interface {
	SendTo(addr Addr, payload []byte) error
}

// SecureDownstream receives a decrypted inner packet once a SECURE_SVC
// wrapper (other than a SESSION_AUTH or SESSION_STATUS handshake step)
// has been unwrapped, routing it onward to the data-endpoint handler
// that owns its channel.
type SecureDownstream interface {
	Accept(h Header, payload []byte, sessionID uint16, src Addr) bool
}

// SessionChannelCascade closes every channel bound to a session id, so a
// session is removed atomically with all channels that reference it.
// Registry implements it; the store only holds this identifier-keyed
// callback rather than direct references to channels.
type SessionChannelCascade interface {
	CloseSession(sessionID uint16)
}

// Store owns every live session: handshake, encryption, and the dormancy
// sweeper.
type Store struct {
	mu       sync.RWMutex
	sessions map[uint16]*Session
	pending  map[string]uint16 // ctrl endpoint addr -> session id, for session->channel binding
	nextID   uint16

	cfg           *Config
	metrics       Metrics
	log           *logrus.Entry
	deviceAuthKey [16]byte
	passwords     PasswordHashProvider
	serial        SerialNumber
	out           SessionTransport
	downstream    SecureDownstream
	cascade       SessionChannelCascade
}

// NewStore builds an empty secure session store.
func NewStore(cfg *Config, deviceAuthKey [16]byte, passwords PasswordHashProvider, serial SerialNumber, out SessionTransport, downstream SecureDownstream) *Store {
	if cfg == nil {
		cfg = defaultConfig()
	}
	return &Store{
		sessions:      make(map[uint16]*Session),
		pending:       make(map[string]uint16),
		cfg:           cfg,
		metrics:       cfg.metrics,
		log:           cfg.log.WithField("component", "session-store"),
		deviceAuthKey: deviceAuthKey,
		passwords:     passwords,
		serial:        serial,
		out:           out,
		downstream:    downstream,
	}
}

// SetCascade installs the channel registry that gets notified when a
// session is removed, so every channel bound to that session is closed in
// the same operation. Optional: a store with no cascade installed simply
// leaves channel cleanup to the channels' own heartbeat timeout.
func (s *Store) SetCascade(c SessionChannelCascade) { s.cascade = c }

// Accept dispatches SESSION_REQ and wrapped SECURE_SVC frames. Returns
// true if the service type was one this store owns.
func (s *Store) Accept(h Header, payload []byte, src Addr) bool {
	switch h.ServiceType {
	case SvcSessionReq:
		s.handleSessionReq(payload, src)
		return true
	case SvcSecureWrapper:
		s.handleSecureWrapper(payload, src)
		return true
	case SvcSessionAuth, SvcSessionStatus:
		s.log.Warn("session auth/status received unwrapped, dropping")
		return true
	default:
		return false
	}
}

func (s *Store) handleSessionReq(payload []byte, src Addr) {
	req, err := ParseSessionReqBody(payload)
	if err != nil {
		s.log.WithError(err).Warn("malformed session_req, dropping")
		return
	}

	kp, err := GenerateX25519KeyPair()
	if err != nil {
		s.metrics.IncrementHandshakeFailures()
		s.log.WithError(err).Error("failed to generate ephemeral keypair")
		return
	}
	shared, err := X25519(kp.Private, req.ClientPub)
	if err != nil {
		s.metrics.IncrementHandshakeFailures()
		s.log.WithError(err).Error("failed to compute x25519 shared secret")
		return
	}
	key := DeriveSessionKey(shared)

	id, err := s.allocateID()
	if err != nil {
		s.metrics.IncrementHandshakeFailures()
		s.log.WithError(err).Error("session id space exhausted")
		return
	}

	mac, err := DeviceAuthMAC(s.deviceAuthKey, kp.Public, req.ClientPub)
	if err != nil {
		s.metrics.IncrementHandshakeFailures()
		s.log.WithError(err).Error("failed to compute device auth mac")
		return
	}
	encMAC, err := EncryptSessionResMAC(key, mac)
	if err != nil {
		s.metrics.IncrementHandshakeFailures()
		s.log.WithError(err).Error("failed to encrypt session_res mac")
		return
	}

	now := time.Now()
	sess := &Session{
		id:            id,
		clientControl: AddrFromHPAI(req.Control),
		key:           key,
		lastUpdate:    now,
		createdAt:     now,
		serial:        s.serial,
		state:         HandshakePending,
		serverPub:     kp.Public,
		clientPub:     req.ClientPub,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.metrics.IncrementSessionsCreated()

	body := SessionResBody{SessionID: id, ServerPub: kp.Public, MAC: encMAC}.Marshal()
	pkt := Marshal(SvcSessionRes, len(body))
	copy(pkt[HeaderSize:], body)
	if err := s.out.SendTo(src, pkt); err != nil {
		s.log.WithError(err).Warn("failed to send session_res")
	}
}

// allocateID picks the next free id from a monotonic counter mod 0xFFFE,
// skipping 0. Returns ErrSessionIDSpaceExhausted rather than wrapping
// into a collision once every id is in use.
func (s *Store) allocateID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= 0xFFFE {
		return 0, ErrSessionIDSpaceExhausted
	}
	for i := 0; i < 0xFFFE; i++ {
		s.nextID++
		if s.nextID == 0 || s.nextID > 0xFFFE {
			s.nextID = 1
		}
		if _, used := s.sessions[s.nextID]; !used {
			return s.nextID, nil
		}
	}
	return 0, ErrSessionIDSpaceExhausted
}

func (s *Store) handleSecureWrapper(payload []byte, src Addr) {
	w, err := ParseSecureWrapper(payload)
	if err != nil {
		s.log.WithError(err).Warn("malformed secure wrapper, dropping")
		return
	}

	s.mu.RLock()
	sess, ok := s.sessions[w.SessionID]
	s.mu.RUnlock()
	if !ok {
		s.log.WithField("session_id", w.SessionID).Warn("secure wrapper references unknown session")
		return
	}

	expectedMAC, err := PacketMAC(sess.key, w.SessionID, w.Seq, w.SerialNumber, w.MsgTag, w.Ciphertext)
	if err != nil || expectedMAC != w.MAC {
		s.metrics.IncrementAuthFailures()
		s.log.WithField("session_id", w.SessionID).Warn("secure wrapper mac mismatch, dropping")
		return
	}

	plaintext, err := DecryptPacket(sess.key, w.SerialNumber, w.Seq, w.MsgTag, w.Ciphertext)
	if err != nil {
		s.log.WithError(err).Warn("failed to decrypt secure wrapper")
		return
	}

	innerHeader, err := ParseHeader(plaintext)
	if err != nil {
		s.log.WithError(err).Warn("decrypted payload is not a valid header")
		return
	}
	innerBody := innerHeader.Body(plaintext)
	sess.touch(time.Now())

	switch innerHeader.ServiceType {
	case SvcSessionAuth:
		s.handleSessionAuth(sess, innerBody, src)
		return
	case SvcSessionStatus:
		s.handleSessionStatus(sess, innerBody)
		return
	}

	if s.downstream != nil {
		s.downstream.Accept(innerHeader, innerBody, sess.id, src)
	}
}

// handleSessionStatus processes a client-sent SESSION_STATUS delivered
// inside the secure wrapper. Close tears the session down; KeepAlive needs
// no action beyond the touch the wrapper already applied.
func (s *Store) handleSessionStatus(sess *Session, body []byte) {
	if len(body) < 1 {
		return
	}
	if SessionStatusCode(body[0]) == SessionStatusClose {
		s.log.WithField("session_id", sess.id).Info("client closed session")
		s.removeSession(sess.id)
	}
}

func (s *Store) handleSessionAuth(sess *Session, body []byte, src Addr) {
	auth, err := ParseSessionAuthBody(body)
	if err != nil {
		s.log.WithError(err).Warn("malformed session_auth body, dropping")
		return
	}

	hash, ok := s.passwords.PasswordHash(auth.UserID)
	if !ok {
		s.log.WithField("user_id", auth.UserID).Warn("session_auth references unknown user")
		s.failAuth(sess, src, SessionStatusUnauthorized)
		return
	}

	expected, err := UserAuthMAC(hash, sess.id, sess.serverPub, sess.clientPub, auth.UserID)
	if err != nil || expected != auth.MAC {
		s.metrics.IncrementAuthFailures()
		s.failAuth(sess, src, SessionStatusAuthFailed)
		return
	}

	sess.mu.Lock()
	sess.userID = auth.UserID
	sess.state = HandshakeAuthenticated
	sess.mu.Unlock()

	s.sendStatus(sess, src, SessionStatusAuthSuccess)
}

// failAuth sends the failure status then removes the session atomically,
// per "On AuthFailed, the session is removed atomically."
func (s *Store) failAuth(sess *Session, src Addr, code SessionStatusCode) {
	s.sendStatus(sess, src, code)
	s.removeSession(sess.id)
}

func (s *Store) sendStatus(sess *Session, dst Addr, code SessionStatusCode) {
	body := SessionStatusBody{Status: code}.Marshal()
	pkt := Marshal(SvcSessionStatus, len(body))
	copy(pkt[HeaderSize:], body)
	wrapped, err := s.wrapForSession(sess, pkt)
	if err != nil {
		s.log.WithError(err).Warn("failed to wrap session_status")
		return
	}
	if err := s.out.SendTo(dst, wrapped); err != nil {
		s.log.WithError(err).Warn("failed to send session_status")
	}
}

// Wrap encrypts a plaintext KNXnet/IP packet for sessionID, stamping the
// next send_seq, the server's serial number, and a zero msg_tag.
func (s *Store) Wrap(sessionID uint16, plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s.wrapForSession(sess, plaintext)
}

func (s *Store) wrapForSession(sess *Session, plaintext []byte) ([]byte, error) {
	sess.mu.Lock()
	seq := sess.sendSeq
	sess.sendSeq++
	sess.mu.Unlock()

	ciphertext, err := EncryptPacket(sess.key, sess.serial, seq, 0, plaintext)
	if err != nil {
		return nil, err
	}
	mac, err := PacketMAC(sess.key, sess.id, seq, sess.serial, 0, ciphertext)
	if err != nil {
		return nil, err
	}
	body := SecureWrapper{SessionID: sess.id, Seq: seq, SerialNumber: sess.serial, MsgTag: 0, Ciphertext: ciphertext, MAC: mac}.Marshal()
	pkt := Marshal(SvcSecureWrapper, len(body))
	copy(pkt[HeaderSize:], body)
	return pkt, nil
}

// BindPendingConnection records src -> sessionID when a CONNECT_REQ
// arrives inside a secure session, so a subsequent RegisterConnection
// call from the (externally owned) control endpoint can resolve it.
func (s *Store) BindPendingConnection(src Addr, sessionID uint16) {
	s.mu.Lock()
	s.pending[src.String()] = sessionID
	s.mu.Unlock()
}

// UnbindConnection drops the pending src -> session binding for a control
// endpoint, called by a closing channel so a stale binding cannot leak a
// dead endpoint's session onto a later connection from the same address.
func (s *Store) UnbindConnection(ctrl Addr) {
	s.mu.Lock()
	delete(s.pending, ctrl.String())
	s.mu.Unlock()
}

// RegisterConnection resolves the session bound to ctrlEndpoint and
// authorizes it for connType, returning 0 if the session is
// insufficiently privileged for device-management (user_id > 1) or if no
// session is bound to that endpoint at all.
func (s *Store) RegisterConnection(connType ChannelRole, ctrlEndpoint Addr, channelID byte) uint16 {
	s.mu.RLock()
	sid, ok := s.pending[ctrlEndpoint.String()]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.RLock()
	sess, ok := s.sessions[sid]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	if connType == RoleDeviceManagement && sess.UserID() > 1 {
		return 0
	}
	return sid
}

// Sweep closes every session idle longer than the configured dormancy
// threshold, sending SESSION_STATUS(Timeout) to each before removal.
// Idempotent and concurrency-safe: a session swept twice in a race is
// simply a no-op on its second removal.
func (s *Store) Sweep(now time.Time) {
	s.mu.RLock()
	dormant := make([]*Session, 0)
	for _, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastUpdate)
		sess.mu.Unlock()
		if idle > s.cfg.sessionDormancy {
			dormant = append(dormant, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range dormant {
		s.sendStatus(sess, sess.clientControl, SessionStatusTimeout)
		s.removeSession(sess.id)
		s.metrics.IncrementSessionTimeouts()
	}
}

// removeSession deletes a session and any pending binding that points at
// it. Safe to call more than once for the same id.
func (s *Store) removeSession(id uint16) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		for addr, sid := range s.pending {
			if sid == id {
				delete(s.pending, addr)
			}
		}
	}
	s.mu.Unlock()
	if ok {
		sess.mu.Lock()
		sess.state = HandshakeClosed
		sess.mu.Unlock()
		s.metrics.IncrementSessionsClosed()
		if s.cascade != nil {
			s.cascade.CloseSession(id)
		}
	}
}

// Shutdown removes every live session, notifying each client with
// SESSION_STATUS(Close) first. Called when the surrounding server stops.
func (s *Store) Shutdown() {
	s.mu.RLock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.RUnlock()

	for _, sess := range live {
		s.sendStatus(sess, sess.clientControl, SessionStatusClose)
		s.removeSession(sess.id)
	}
}

// RunSweeper runs Sweep on cfg.sweepInterval until stop is closed.
func (s *Store) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			s.Sweep(t)
		}
	}
}

package gwcore

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DatagramSource is the minimal non-blocking read surface Loop needs. A
// caller wires this to a real UDP socket; Loop itself owns no I/O, per
// the "interface only" service-loop contract — this is a reference
// implementation of the adapter shape, not a production socket loop.
type DatagramSource interface {
	// ReadFrom reads one pending datagram into buf, returning n == 0 with
	// a nil error when nothing is currently available (non-blocking).
	ReadFrom(buf []byte) (n int, src Addr, err error)
}

// Loop demultiplexes inbound datagrams across the secure session store
// and the per-channel registry: poll, parse, dispatch, with an
// AdaptivePoll-driven backoff while the source is idle.
type Loop struct {
	source   DatagramSource
	sessions *Store
	channels *Registry
	poll     *AdaptivePoll
	log      *logrus.Entry
	metrics  Metrics
}

// NewLoop builds a Loop over source, dispatching session-layer frames to
// sessions and channel-layer frames to channels.
func NewLoop(source DatagramSource, sessions *Store, channels *Registry, cfg *Config) *Loop {
	if cfg == nil {
		cfg = defaultConfig()
	}
	return &Loop{
		source:   source,
		sessions: sessions,
		channels: channels,
		poll:     NewAdaptivePoll(cfg.fastPoll, cfg.idlePoll),
		log:      cfg.log.WithField("component", "loop"),
		metrics:  cfg.metrics,
	}
}

// Run reads and dispatches datagrams until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, src, err := l.source.ReadFrom(buf)
		if err != nil {
			l.log.WithError(err).Warn("datagram source read failed")
			if !l.poll.Wait(stop) {
				return
			}
			continue
		}
		if n == 0 {
			if !l.poll.Wait(stop) {
				return
			}
			continue
		}
		l.poll.MarkActive()
		l.dispatch(append([]byte(nil), buf[:n]...), src)
	}
}

func (l *Loop) dispatch(raw []byte, src Addr) {
	traceID := uuid.New()
	h, err := ParseHeader(raw)
	if err != nil {
		l.log.WithError(err).WithField("trace_id", traceID).Warn("dropping malformed packet")
		return
	}
	body := h.Body(raw)
	log := l.log.WithFields(logrus.Fields{
		"trace_id":     traceID,
		"service_type": h.ServiceType,
		"src":          src.String(),
	})

	if l.sessions != nil && l.sessions.Accept(h, body, src) {
		return
	}

	id, ok := extractChannelID(h, body)
	if !ok {
		log.Debug("no dispatcher claimed packet")
		return
	}
	ch, ok := l.channels.Get(id)
	if !ok {
		log.WithField("channel", id).Warn("no channel registered for id")
		return
	}
	if !ch.AcceptDataService(h, body) {
		log.Warn("channel handler declined packet")
	}
}

// extractChannelID reads the channel id out of any body this module's
// handlers key on, without otherwise interpreting the body.
func extractChannelID(h Header, body []byte) (byte, bool) {
	switch h.ServiceType {
	case SvcTunnelingReq, SvcDeviceConfigurationReq, SvcTunnelingAck, SvcDeviceConfigurationAck,
		SvcTunnelingFeatureGet, SvcTunnelingFeatureSet:
		if len(body) < 2 {
			return 0, false
		}
		return body[1], true
	case SvcConnectionStateReq:
		if len(body) < 1 {
			return 0, false
		}
		return body[0], true
	default:
		return 0, false
	}
}

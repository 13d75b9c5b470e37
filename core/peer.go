package core

// Peer: the per-connection state machine layered over Connection. It runs
// the handshake, gates inbound packets on the current phase and decodes them
// into entities for the node.

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerPhase tracks the lifecycle of a peer.
type PeerPhase int

const (
	// PeerPhaseConnecting: socket established, handshake not started.
	PeerPhaseConnecting PeerPhase = iota
	// PeerPhaseHandshaking: the 4-message exchange is in flight.
	PeerPhaseHandshaking
	// PeerPhaseHandshaked: identity and subscriptions are established.
	PeerPhaseHandshaked
	// PeerPhaseClosed: the peer is being torn down.
	PeerPhaseClosed
)

// DisconnectReason explains why a peer is being destroyed.
type DisconnectReason int

const (
	// DisconnectReasonBroken: socket error, short read or EOF.
	DisconnectReasonBroken DisconnectReason = iota
	// DisconnectReasonClosed: normal local shutdown.
	DisconnectReasonClosed
	// DisconnectReasonDuplicate: another connection resolved to the same
	// user; the aux argument names the surviving peer.
	DisconnectReasonDuplicate
	// DisconnectReasonNoCommonInterests: subscriptions do not overlap.
	DisconnectReasonNoCommonInterests
	// DisconnectReasonBanned: the remote user is banned.
	DisconnectReasonBanned
	// DisconnectReasonViolation: the remote broke the protocol.
	DisconnectReasonViolation
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonBroken:
		return "broken"
	case DisconnectReasonClosed:
		return "closed"
	case DisconnectReasonDuplicate:
		return "duplicate"
	case DisconnectReasonNoCommonInterests:
		return "no common interests"
	case DisconnectReasonBanned:
		return "banned"
	case DisconnectReasonViolation:
		return "protocol violation"
	}
	return "unknown"
}

// DisconnectCallback observes a peer teardown before the socket is released.
// dup is the surviving peer for DisconnectReasonDuplicate, nil otherwise.
type DisconnectCallback func(peer *Peer, reason DisconnectReason, dup *Peer)

// PeerEntityCallback delivers decoded entities. ok is false when the stream
// broke; the verdict controls further reading as in ReceiveCallback.
type PeerEntityCallback func(peer *Peer, e Entity, ok bool) ReadVerdict

// Peer is a live remote node.
type Peer struct {
	conn *Connection

	mu       sync.Mutex
	phase    PeerPhase
	expected map[PacketType]bool
	user     *User
	subs     Subscriptions
	entityCb PeerEntityCallback

	onDisconnect DisconnectCallback
	freeOnce     sync.Once
}

// NewPeer wraps an established socket in a peer. incoming records whether
// the remote side dialled us.
func NewPeer(sock net.Conn, incoming bool, onDisconnect DisconnectCallback) *Peer {
	return &Peer{
		conn:         NewConnection(sock, incoming),
		phase:        PeerPhaseConnecting,
		expected:     make(map[PacketType]bool),
		onDisconnect: onDisconnect,
	}
}

// User returns the remote user, or nil before the handshake completed.
func (p *Peer) User() *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

// Subscriptions returns the subscriptions the remote declared during the
// handshake.
func (p *Peer) Subscriptions() Subscriptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs
}

// IsHandshaked reports whether identity is established.
func (p *Peer) IsHandshaked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PeerPhaseHandshaked
}

// Description names the peer for log lines: the nickname once known, the
// connection endpoint before that.
func (p *Peer) Description() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user != nil {
		return fmt.Sprintf("%s-%s", p.user.Nickname, p.user.ID().Short())
	}
	return "(not handshaked) " + p.conn.Description()
}

// ConnectionDescription names the remote endpoint.
func (p *Peer) ConnectionDescription() string {
	return p.conn.Description()
}

// Send serializes an entity into a packet of the matching type, signs it
// (USER packets travel unsigned) and enqueues it. The result arrives via
// callback once the packet is on the wire.
func (p *Peer) Send(e Entity, key *ecdsa.PrivateKey, callback func(ok bool)) error {
	payload, err := e.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize the entity '%s': %w",
			e.Description(), err)
	}

	var pktType PacketType
	switch e.EntityType() {
	case EntityTypeUser:
		pktType = PacketTypeUser
	case EntityTypeMessage:
		pktType = PacketTypeMsg
	case EntityTypeOperation:
		pktType = PacketTypeOper
	default:
		return fmt.Errorf("unknown entity type: %d", e.EntityType())
	}

	pkt := NewPacket(pktType, payload)
	if pktType != PacketTypeUser {
		if err := pkt.SignPacket(key); err != nil {
			return err
		}
	}
	return p.conn.Send(pkt, func(_ *Connection, _ *Packet, ok bool) {
		if callback != nil {
			callback(ok)
		}
	})
}

// SetReceiveCallback installs the entity callback and starts decoding
// inbound packets. Packets whose type is not expected in the current phase
// tear the peer down as a protocol violation.
func (p *Peer) SetReceiveCallback(cb PeerEntityCallback) {
	p.mu.Lock()
	p.entityCb = cb
	p.mu.Unlock()
	p.conn.SetReceiveCallback(p.dispatch)
}

func (p *Peer) dispatch(_ *Connection, pkt *Packet, ok bool) ReadVerdict {
	p.mu.Lock()
	cb := p.entityCb
	p.mu.Unlock()

	if !ok {
		if cb != nil {
			return cb(p, nil, false)
		}
		return ReadStop
	}

	p.mu.Lock()
	allowed := p.expected[pkt.Type]
	user := p.user
	p.mu.Unlock()

	if !allowed {
		logrus.Warnf("Protocol violation detected:"+
			" peer '%s' sent unexpected packet of type '%d'.",
			p.Description(), pkt.Type)
		go p.FreeWithReason(DisconnectReasonViolation, nil)
		return ReadStop
	}

	var entity Entity
	switch pkt.Type {
	case PacketTypeUser:
		u, err := DeserializeUser(pkt.Payload)
		if err != nil {
			logrus.Warnf("Failed to parse a user from '%s'", p.Description())
			go p.FreeWithReason(DisconnectReasonViolation, nil)
			return ReadStop
		}
		entity = u

	case PacketTypeMsg:
		if user == nil || !pkt.VerifyPacket(user.PubKey) {
			logrus.Warnf("Invalid signature of a message packet from '%s'",
				p.Description())
			go p.FreeWithReason(DisconnectReasonViolation, nil)
			return ReadStop
		}
		m, err := DeserializeMessage(pkt.Payload)
		if err != nil {
			logrus.Warnf("Failed to parse a message from '%s'", p.Description())
			go p.FreeWithReason(DisconnectReasonViolation, nil)
			return ReadStop
		}
		entity = m

	case PacketTypeOper:
		logrus.Warnf("Operation entities are not yet implemented;"+
			" ignoring packet from '%s'", p.Description())
		return ReadMore

	default:
		// ANNOUNCE/ACK/REQ dispatch is wired up together with their
		// exchange semantics.
		logrus.Warnf("Unhandled packet type %d from '%s'",
			pkt.Type, p.Description())
		return ReadMore
	}

	if cb == nil {
		return ReadStop
	}
	return cb(p, entity, true)
}

// RunHandshake starts the 4-message exchange in background. On success the
// peer transitions to PeerPhaseHandshaked, starts expecting entity packets
// and reports a nil error; on failure it reports the handshake error
// (ErrProtocolViolation, ErrTimeout or ErrBroken) and the caller is expected
// to tear the peer down with the matching reason.
func (p *Peer) RunHandshake(self *User, key *ecdsa.PrivateKey, subs Subscriptions,
	db *DB, callback func(err error)) {

	p.mu.Lock()
	if p.phase != PeerPhaseConnecting {
		p.mu.Unlock()
		logrus.Warnf("Attempt to handshake peer '%s' twice", p.Description())
		callback(fmt.Errorf("peer '%s' is not awaiting a handshake", p.Description()))
		return
	}
	p.phase = PeerPhaseHandshaking
	p.mu.Unlock()

	go func() {
		peerUser, peerSubs, err := Handshake(p.conn, self, key, subs, db)
		if err != nil {
			logrus.Debugf("Handshake error: failed to handshake with"+
				" the node '%s': %v", p.conn.Description(), err)
			callback(err)
			return
		}
		p.mu.Lock()
		p.user = peerUser
		p.subs = peerSubs
		p.phase = PeerPhaseHandshaked
		p.expected[PacketTypeMsg] = true
		p.mu.Unlock()
		callback(nil)
	}()
}

// FreeWithReason destroys the peer. The disconnect callback always runs
// first; the socket is released after it returns. Never call this from
// inside the peer's own receive callback — spawn it instead.
func (p *Peer) FreeWithReason(reason DisconnectReason, dup *Peer) {
	p.freeOnce.Do(func() {
		p.mu.Lock()
		p.phase = PeerPhaseClosed
		p.mu.Unlock()

		logrus.Debugf("Peer '%s' disconnected with reason: %s",
			p.Description(), reason)
		if p.onDisconnect != nil {
			p.onDisconnect(p, reason, dup)
		}
		p.conn.Close()
	})
}

// Free destroys the peer with the Closed reason.
func (p *Peer) Free() {
	p.FreeWithReason(DisconnectReasonClosed, nil)
}

package core

// Handshake: the 4-message bootstrap that authenticates two peers and
// exchanges their subscriptions. Both sides run the same sequence — send our
// User, await theirs, send a signed Hello, await theirs. Identity is proven
// by the User's self-signature plus proof-of-work and by the Hello packet
// signature; freshness by the Hello timestamp; intent by the receiver id.

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// HandshakeTimeout bounds the whole exchange.
	HandshakeTimeout = 15 * time.Second

	// handshakeMaxDiscrepancy is the tolerated |now − hello.timestamp|.
	handshakeMaxDiscrepancy = 300 * time.Second
)

// Handshake runs the exchange on conn and blocks until it completes or the
// deadline expires. On success it returns the peer's user and subscriptions;
// any rejection, parse error or timeout is an error and the caller tears the
// connection down. A previously unknown peer user is stored in db.
func Handshake(conn *Connection, self *User, key *ecdsa.PrivateKey,
	subs Subscriptions, db *DB) (*User, Subscriptions, error) {

	deadline := time.NewTimer(HandshakeTimeout)
	defer deadline.Stop()

	logrus.Debugf("Handshaking: starting handshake process with '%s'",
		conn.Description())

	if err := handshakeSendUser(conn, self); err != nil {
		return nil, nil, err
	}

	peerUser, err := handshakeAwaitUser(conn, deadline.C, db)
	if err != nil {
		conn.CancelIO(IODirectionBoth)
		return nil, nil, err
	}

	if err := handshakeSendHello(conn, peerUser.ID(), subs, key); err != nil {
		conn.CancelIO(IODirectionBoth)
		return nil, nil, err
	}

	peerSubs, err := handshakeAwaitHello(conn, deadline.C, self, peerUser)
	if err != nil {
		conn.CancelIO(IODirectionBoth)
		return nil, nil, err
	}

	conn.CancelIO(IODirectionRX)
	return peerUser, peerSubs, nil
}

// handshakeSendUser enqueues our User packet. It travels unsigned: the
// payload carries the self-signature.
func handshakeSendUser(conn *Connection, self *User) error {
	payload, err := self.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize the user '%s': %w",
			self.Nickname, err)
	}
	return conn.Send(NewPacket(PacketTypeUser, payload), func(c *Connection, p *Packet, ok bool) {
		if !ok {
			logrus.Warnf("Handshake error: failed to send our user to"+
				" the node '%s'", c.Description())
			return
		}
		logrus.Debugf("Handshaking: our User successfully sent to the node '%s'",
			c.Description())
	})
}

// handshakeSendHello enqueues a signed Hello for the peer.
func handshakeSendHello(conn *Connection, receiverID Hash, subs Subscriptions,
	key *ecdsa.PrivateKey) error {

	payload, err := NewHelloPayload(receiverID, subs).Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize the Hello payload: %w", err)
	}
	pkt := NewPacket(PacketTypeHello, payload)
	if err := pkt.SignPacket(key); err != nil {
		return err
	}
	return conn.Send(pkt, func(c *Connection, p *Packet, ok bool) {
		if !ok {
			logrus.Warnf("Handshake error: failed to send Hello to"+
				" the node '%s'", c.Description())
			return
		}
		logrus.Debugf("Handshaking: Hello successfully sent to the node '%s'",
			c.Description())
	})
}

// handshakeAwaitPacket blocks until one packet arrives, the stream breaks or
// the deadline fires.
func handshakeAwaitPacket(conn *Connection, deadline <-chan time.Time) (*Packet, error) {
	type received struct {
		pkt *Packet
		ok  bool
	}
	ch := make(chan received, 1)
	conn.SetReceiveCallback(func(_ *Connection, pkt *Packet, ok bool) ReadVerdict {
		ch <- received{pkt: pkt, ok: ok}
		return ReadStop
	})

	select {
	case r := <-ch:
		if !r.ok {
			return nil, ErrBroken
		}
		return r.pkt, nil
	case <-deadline:
		return nil, ErrTimeout
	}
}

// handshakeAwaitUser receives and validates the peer's User, storing it when
// previously unknown.
func handshakeAwaitUser(conn *Connection, deadline <-chan time.Time, db *DB) (*User, error) {
	pkt, err := handshakeAwaitPacket(conn, deadline)
	if err != nil {
		logrus.Debugf("Handshake error: failed to read User from"+
			" connection '%s': %v", conn.Description(), err)
		return nil, err
	}
	if pkt.Type != PacketTypeUser {
		logrus.Warnf("Handshake error: protocol violation detected:"+
			" node '%s' sent unexpected packet of type '%d'."+
			" Expected: %d (peer's user for handshaking)",
			conn.Description(), pkt.Type, PacketTypeUser)
		return nil, ErrProtocolViolation
	}

	user, err := DeserializeUser(pkt.Payload)
	if err != nil {
		logrus.Debugf("Handshake error: failed to parse the User")
		return nil, ErrProtocolViolation
	}
	if !user.IsValid() {
		logrus.Warnf("Handshake error: user '%s' failed validation",
			user.Nickname)
		return nil, ErrProtocolViolation
	}

	stored, err := db.GetUser(user.ID())
	if err != nil {
		return nil, err
	}
	if stored == nil {
		if err := db.PutUser(user); err != nil {
			logrus.Warnf("Handshake error: failed to store the user"+
				" '%s' of the node '%s': %v",
				user.Nickname, conn.Description(), err)
			return nil, err
		}
	}
	logrus.Debugf("Handshaking: received User from the connection '%s'",
		conn.Description())
	return user, nil
}

// handshakeAwaitHello receives and validates the peer's Hello.
func handshakeAwaitHello(conn *Connection, deadline <-chan time.Time,
	self *User, peerUser *User) (Subscriptions, error) {

	pkt, err := handshakeAwaitPacket(conn, deadline)
	if err != nil {
		logrus.Debugf("Handshake error: failed to read Hello from"+
			" connection '%s': %v", conn.Description(), err)
		return nil, err
	}
	if pkt.Type != PacketTypeHello {
		logrus.Warnf("Handshake error: protocol violation detected:"+
			" node '%s' sent unexpected packet of type '%d'."+
			" Expected: %d (Hello for handshaking)",
			conn.Description(), pkt.Type, PacketTypeHello)
		return nil, ErrProtocolViolation
	}
	if !pkt.VerifyPacket(peerUser.PubKey) {
		logrus.Warnf("Handshake error: signature of the Hello packet is invalid")
		return nil, ErrProtocolViolation
	}

	hello, err := DeserializeHelloPayload(pkt.Payload)
	if err != nil {
		logrus.Warnf("Handshake error: failed to parse the Hello payload")
		return nil, ErrProtocolViolation
	}
	if hello.ReceiverID != self.ID() {
		logrus.Warnf("Handshake error: wrong receiver ID: '%s'",
			hello.ReceiverID.Short())
		return nil, ErrProtocolViolation
	}

	discrepancy := time.Since(hello.Timestamp)
	if discrepancy < 0 {
		discrepancy = -discrepancy
	}
	if discrepancy > handshakeMaxDiscrepancy {
		logrus.Warnf("Handshake error: timestamp discrepancy exceeds"+
			" the limit: %v", discrepancy)
		return nil, ErrProtocolViolation
	}

	logrus.Debugf("Handshaking: received Hello from the node '%s'",
		conn.Description())
	return hello.Subs.Copy(), nil
}

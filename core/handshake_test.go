package core

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), DBFileName), testLogger())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type handshakeResult struct {
	user *User
	subs Subscriptions
	err  error
}

func runHandshake(conn *Connection, self *User, key *ecdsa.PrivateKey,
	subs Subscriptions, db *DB) chan handshakeResult {

	out := make(chan handshakeResult, 1)
	go func() {
		user, peerSubs, err := Handshake(conn, self, key, subs, db)
		out <- handshakeResult{user, peerSubs, err}
	}()
	return out
}

func TestHandshakeSuccess(t *testing.T) {
	userA, keyA := makeTestUser(t, "alice")
	userB, keyB := makeTestUser(t, "bob")
	subsA := Subscriptions{mustTopic(t, "x")}
	subsB := Subscriptions{mustTopic(t, "x, y")}
	dbA := testDB(t)
	dbB := testDB(t)

	connA, connB := pipeConnections()
	defer connA.Close()
	defer connB.Close()

	resA := runHandshake(connA, userA, keyA, subsA, dbA)
	resB := runHandshake(connB, userB, keyB, subsB, dbB)

	for _, tc := range []struct {
		name     string
		res      chan handshakeResult
		wantUser *User
		wantSubs Subscriptions
		db       *DB
	}{
		{"SideA", resA, userB, subsB, dbA},
		{"SideB", resB, userA, subsA, dbB},
	} {
		select {
		case r := <-tc.res:
			if r.err != nil {
				t.Fatalf("%s: handshake failed: %v", tc.name, r.err)
			}
			if r.user.ID() != tc.wantUser.ID() {
				t.Fatalf("%s: wrong peer user", tc.name)
			}
			if len(r.subs) != len(tc.wantSubs) ||
				r.subs[0].Compare(tc.wantSubs[0]) != 0 {
				t.Fatalf("%s: wrong peer subscriptions: %v", tc.name, r.subs)
			}
			stored, err := tc.db.GetUser(tc.wantUser.ID())
			if err != nil || stored == nil {
				t.Fatalf("%s: peer user was not stored (%v)", tc.name, err)
			}
		case <-time.After(HandshakeTimeout):
			t.Fatalf("%s: handshake did not finish in time", tc.name)
		}
	}
}

// fakeRemote drives the remote half of a handshake by hand so tests can
// inject hostile Hello payloads.
func fakeRemote(t *testing.T, conn *Connection, self *User,
	mutate func(hello *HelloPayload), signKey *ecdsa.PrivateKey) {

	t.Helper()

	payload, err := self.Serialize()
	if err != nil {
		t.Errorf("serialize user: %v", err)
		return
	}
	if err := conn.Send(NewPacket(PacketTypeUser, payload), nil); err != nil {
		t.Errorf("send user: %v", err)
		return
	}

	got := make(chan *Packet, 1)
	conn.SetReceiveCallback(func(_ *Connection, pkt *Packet, ok bool) ReadVerdict {
		if ok {
			got <- pkt
		}
		return ReadStop
	})
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Errorf("fake remote never received the local user")
		return
	}

	hello := NewHelloPayload(Hash{}, Subscriptions{mustTopic(t, "x")})
	mutate(hello)
	helloBytes, err := hello.Serialize()
	if err != nil {
		t.Errorf("serialize hello: %v", err)
		return
	}
	pkt := NewPacket(PacketTypeHello, helloBytes)
	if err := pkt.SignPacket(signKey); err != nil {
		t.Errorf("sign hello: %v", err)
		return
	}
	conn.Send(pkt, nil)
}

func TestHandshakeRejectsHostileHello(t *testing.T) {
	userA, keyA := makeTestUser(t, "alice")
	userB, keyB := makeTestUser(t, "bob")
	subsA := Subscriptions{mustTopic(t, "x")}
	intruderKey, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(hello *HelloPayload)
		signKey *ecdsa.PrivateKey
	}{
		{
			name: "StaleTimestamp",
			mutate: func(hello *HelloPayload) {
				hello.ReceiverID = userA.ID()
				hello.Timestamp = time.Now().Add(-1000 * time.Second)
			},
			signKey: keyB,
		},
		{
			name: "WrongReceiverID",
			mutate: func(hello *HelloPayload) {
				hello.ReceiverID = userB.ID()
			},
			signKey: keyB,
		},
		{
			name: "BadSignature",
			mutate: func(hello *HelloPayload) {
				hello.ReceiverID = userA.ID()
			},
			signKey: intruderKey,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dbA := testDB(t)
			connA, connB := pipeConnections()
			defer connA.Close()
			defer connB.Close()

			go fakeRemote(t, connB, userB, tc.mutate, tc.signKey)

			select {
			case r := <-runHandshake(connA, userA, keyA, subsA, dbA):
				if r.err == nil {
					t.Fatalf("hostile hello was accepted")
				}
				if !errors.Is(r.err, ErrProtocolViolation) {
					t.Fatalf("error=%v want protocol violation", r.err)
				}
			case <-time.After(10 * time.Second):
				t.Fatalf("handshake neither failed nor finished")
			}
		})
	}
}

func TestHandshakeRejectsUnexpectedPacket(t *testing.T) {
	userA, keyA := makeTestUser(t, "alice")
	subsA := Subscriptions{mustTopic(t, "x")}
	dbA := testDB(t)

	connA, connB := pipeConnections()
	defer connA.Close()
	defer connB.Close()

	// The remote opens with a HELLO instead of its User.
	go func() {
		hello := NewHelloPayload(userA.ID(), subsA)
		payload, err := hello.Serialize()
		if err != nil {
			t.Errorf("serialize hello: %v", err)
			return
		}
		pkt := NewPacket(PacketTypeHello, payload)
		pkt.SignPacket(keyA)
		connB.SetReceiveCallback(func(_ *Connection, _ *Packet, ok bool) ReadVerdict {
			return ReadVerdict(ok)
		})
		connB.Send(pkt, nil)
	}()

	select {
	case r := <-runHandshake(connA, userA, keyA, subsA, dbA):
		if !errors.Is(r.err, ErrProtocolViolation) {
			t.Fatalf("error=%v want protocol violation", r.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("handshake neither failed nor finished")
	}
}

func TestRunHandshakeReportsViolation(t *testing.T) {
	userA, keyA := makeTestUser(t, "alice")
	userB, keyB := makeTestUser(t, "bob")
	subsA := Subscriptions{mustTopic(t, "x")}
	dbA := testDB(t)

	a, b := net.Pipe()
	peer := NewPeer(a, false, nil)
	defer peer.Free()
	connB := NewConnection(b, true)
	defer connB.Close()

	go fakeRemote(t, connB, userB, func(hello *HelloPayload) {
		hello.ReceiverID = userA.ID()
		hello.Timestamp = time.Now().Add(-1000 * time.Second)
	}, keyB)

	result := make(chan error, 1)
	peer.RunHandshake(userA, keyA, subsA, dbA, func(err error) {
		result <- err
	})

	select {
	case err := <-result:
		// The typed error must survive the peer layer so the network
		// manager can tear down with the Violation reason.
		if !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("error=%v want protocol violation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("handshake neither failed nor finished")
	}
}

func TestHandshakeTimesOutOnSilence(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full handshake deadline")
	}
	userA, keyA := makeTestUser(t, "alice")
	subsA := Subscriptions{mustTopic(t, "x")}
	dbA := testDB(t)

	a, b := net.Pipe()
	connA := NewConnection(a, false)
	defer connA.Close()

	// The remote consumes bytes but never answers.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	select {
	case r := <-runHandshake(connA, userA, keyA, subsA, dbA):
		if !errors.Is(r.err, ErrTimeout) {
			t.Fatalf("error=%v want timeout", r.err)
		}
		if elapsed := time.Since(start); elapsed < HandshakeTimeout-time.Second {
			t.Fatalf("failed too early: %v", elapsed)
		}
	case <-time.After(HandshakeTimeout + 5*time.Second):
		t.Fatalf("handshake never timed out")
	}
}

package core

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func pipeConnections() (*Connection, *Connection) {
	a, b := net.Pipe()
	return NewConnection(a, false), NewConnection(b, true)
}

func collectPackets(conn *Connection, n int) chan *Packet {
	out := make(chan *Packet, n)
	conn.SetReceiveCallback(func(_ *Connection, pkt *Packet, ok bool) ReadVerdict {
		if !ok {
			close(out)
			return ReadStop
		}
		out <- pkt
		return ReadMore
	})
	return out
}

func TestConnectionDeliversPacketsInOrder(t *testing.T) {
	sender, receiver := pipeConnections()
	defer sender.Close()
	defer receiver.Close()

	const count = 5
	received := collectPackets(receiver, count)

	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf("packet-%d", i))
		if err := sender.Send(NewPacket(PacketTypeMsg, payload), nil); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := 0; i < count; i++ {
		select {
		case pkt := <-received:
			want := fmt.Sprintf("packet-%d", i)
			if string(pkt.Payload) != want {
				t.Fatalf("packet %d payload=%q want %q", i, pkt.Payload, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestConnectionSendCallbacksFireInOrder(t *testing.T) {
	sender, receiver := pipeConnections()
	defer sender.Close()
	defer receiver.Close()

	// Drain everything on the receiving side.
	receiver.SetReceiveCallback(func(_ *Connection, _ *Packet, ok bool) ReadVerdict {
		return ReadVerdict(ok)
	})

	const count = 4
	order := make(chan int, count)
	for i := 0; i < count; i++ {
		seq := i
		err := sender.Send(NewPacket(PacketTypeMsg, []byte{byte(i)}),
			func(_ *Connection, _ *Packet, ok bool) {
				if ok {
					order <- seq
				}
			})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := 0; i < count; i++ {
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("completion %d fired out of order (got %d)", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion %d", i)
		}
	}
}

func TestConnectionReportsTruncatedStream(t *testing.T) {
	raw, remote := net.Pipe()
	receiver := NewConnection(remote, true)
	defer receiver.Close()

	pkt := NewPacket(PacketTypeMsg, []byte("complete"))
	frame, err := pkt.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	type delivery struct {
		pkt *Packet
		ok  bool
	}
	out := make(chan delivery, 4)
	receiver.SetReceiveCallback(func(_ *Connection, pkt *Packet, ok bool) ReadVerdict {
		out <- delivery{pkt, ok}
		return ReadMore
	})

	go func() {
		raw.Write(frame)
		// A second frame, cut short mid-way.
		raw.Write(frame[:len(frame)/2])
		raw.Close()
	}()

	select {
	case d := <-out:
		if !d.ok || string(d.pkt.Payload) != "complete" {
			t.Fatalf("complete prefix not delivered: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the complete packet")
	}

	select {
	case d := <-out:
		if d.ok || d.pkt != nil {
			t.Fatalf("truncated tail was not reported as failure: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the failure report")
	}
}

func TestConnectionRejectsUndersizedFrame(t *testing.T) {
	raw, remote := net.Pipe()
	receiver := NewConnection(remote, true)
	defer receiver.Close()

	out := make(chan bool, 1)
	receiver.SetReceiveCallback(func(_ *Connection, _ *Packet, ok bool) ReadVerdict {
		out <- ok
		return ReadStop
	})

	// A header whose declared size is below the minimum.
	go raw.Write([]byte{0x00, 0x01, 0x00, 0x05})

	select {
	case ok := <-out:
		if ok {
			t.Fatalf("undersized frame was accepted")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the rejection")
	}
}

func TestConnectionCancelAndRearm(t *testing.T) {
	sender, receiver := pipeConnections()
	defer sender.Close()
	defer receiver.Close()

	receiver.SetReceiveCallback(func(_ *Connection, _ *Packet, ok bool) ReadVerdict {
		t.Errorf("cancelled callback was invoked (ok=%v)", ok)
		return ReadStop
	})
	receiver.CancelIO(IODirectionRX)

	// Re-arming after a cancel must deliver packets again.
	received := collectPackets(receiver, 1)
	if err := sender.Send(NewPacket(PacketTypeMsg, []byte("after-cancel")), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case pkt := <-received:
		if string(pkt.Payload) != "after-cancel" {
			t.Fatalf("unexpected payload %q", pkt.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out after re-arming")
	}
}

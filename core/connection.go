package core

// Connection wraps one TCP stream with packet framing, a head-of-queue
// writer and cancellable reads. One reader and one writer goroutine serve
// the stream; packets are delivered to the receive callback strictly in wire
// order, one at a time, and send completion callbacks fire in enqueue order.

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReadVerdict is returned by receive callbacks to control the reader:
// ReadMore requests the next packet, ReadStop pauses reading until a new
// callback is installed.
type ReadVerdict bool

const (
	// ReadMore asks the connection to read the next packet.
	ReadMore ReadVerdict = true
	// ReadStop stops reading until the receive callback is replaced.
	ReadStop ReadVerdict = false
)

// IODirection selects which half of the stream an operation applies to.
type IODirection int

const (
	// IODirectionRX is the inbound half.
	IODirectionRX IODirection = iota
	// IODirectionTX is the outbound half.
	IODirectionTX
	// IODirectionBoth covers both halves.
	IODirectionBoth
)

// ReceiveCallback handles one inbound packet. ok is false when the stream
// broke or the frame did not parse; in that case pkt is nil and the receive
// channel is shut down regardless of the verdict.
type ReceiveCallback func(conn *Connection, pkt *Packet, ok bool) ReadVerdict

// SendCallback reports the fate of one enqueued packet, exactly once.
type SendCallback func(conn *Connection, pkt *Packet, ok bool)

type sendContext struct {
	pkt      *Packet
	data     []byte
	callback SendCallback
}

// Connection is a framed packet stream over one socket.
type Connection struct {
	conn     net.Conn
	incoming bool
	id       string

	mu sync.Mutex

	// Writer state. txGen is the cancellation token: CancelIO bumps it and
	// an in-flight write whose generation no longer matches completes
	// silently.
	queue       []*sendContext
	writeActive bool
	txGen       uint64

	// Reader state. cbGen tracks callback replacement so a ReadStop
	// verdict does not clobber a callback installed from inside the
	// callback itself.
	receiveCb   ReceiveCallback
	cbGen       uint64
	readStarted bool
	rxGen       uint64
	rxCancelled bool
	rxArm       chan struct{}

	closed bool
}

// NewConnection wraps an established socket. incoming records whether the
// remote side dialled us.
func NewConnection(conn net.Conn, incoming bool) *Connection {
	return &Connection{
		conn:     conn,
		incoming: incoming,
		id:       uuid.NewString()[:8],
		rxArm:    make(chan struct{}, 1),
	}
}

// IsIncoming reports whether the connection was accepted rather than dialled.
func (c *Connection) IsIncoming() bool {
	return c.incoming
}

// Description returns "host:port (id)" for log lines.
func (c *Connection) Description() string {
	return fmt.Sprintf("%s (%s)", c.conn.RemoteAddr(), c.id)
}

// Send enqueues a packet. If the queue was empty, transmission starts
// immediately; otherwise the packet waits its turn. callback fires exactly
// once per accepted packet. Synchronous failures are a packet that does not
// serialize and a closed connection.
func (c *Connection) Send(pkt *Packet, callback SendCallback) error {
	data, err := pkt.Serialize()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection '%s' is closed", c.Description())
	}
	c.queue = append(c.queue, &sendContext{pkt: pkt, data: data, callback: callback})
	if !c.writeActive {
		c.writeActive = true
		c.conn.SetWriteDeadline(time.Time{})
		go c.writeLoop(c.txGen)
	}
	c.mu.Unlock()
	return nil
}

// writeLoop drains the queue head-first. A write error fails the head
// packet's callback and flushes the callbacks of every queued packet as
// failures; cancellation drains the queue without invoking callbacks.
func (c *Connection) writeLoop(gen uint64) {
	for {
		c.mu.Lock()
		if c.closed {
			c.queue = nil
			c.writeActive = false
			c.mu.Unlock()
			return
		}
		if gen != c.txGen {
			// Cancelled; adopt the new token and keep serving
			// whatever was enqueued after the cancellation.
			gen = c.txGen
			c.conn.SetWriteDeadline(time.Time{})
		}
		if len(c.queue) == 0 {
			c.writeActive = false
			c.mu.Unlock()
			return
		}
		head := c.queue[0]
		c.mu.Unlock()

		_, err := c.conn.Write(head.data)

		c.mu.Lock()
		if c.closed {
			c.queue = nil
			c.writeActive = false
			c.mu.Unlock()
			return
		}
		if gen != c.txGen {
			// The write was aborted by CancelIO: the queue is
			// already drained and the callback must not fire.
			c.mu.Unlock()
			continue
		}
		if err != nil {
			logrus.Warnf("Could not write to the connection '%s': %v",
				c.Description(), err)
			failed := c.queue
			c.queue = nil
			c.writeActive = false
			c.mu.Unlock()
			for _, ctx := range failed {
				if ctx.callback != nil {
					ctx.callback(c, ctx.pkt, false)
				}
			}
			return
		}
		c.queue = c.queue[1:]
		c.mu.Unlock()
		if head.callback != nil {
			head.callback(c, head.pkt, true)
		}
	}
}

// SetReceiveCallback installs the callback for the next inbound packet. The
// first call starts the reader; replacing the callback while a read is
// outstanding is allowed and takes effect for the next delivery.
func (c *Connection) SetReceiveCallback(cb ReceiveCallback) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.receiveCb = cb
	c.cbGen++
	c.rxCancelled = false
	c.conn.SetReadDeadline(time.Time{})
	if !c.readStarted {
		c.readStarted = true
		go c.readLoop()
	}
	c.mu.Unlock()

	select {
	case c.rxArm <- struct{}{}:
	default:
	}
}

// readLoop reads one packet at a time: exactly HeaderSize bytes, then the
// declared remainder of the frame. Any framing error or EOF reports
// (nil, false) once and shuts the receive channel down.
func (c *Connection) readLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		armed := c.receiveCb != nil && !c.rxCancelled
		gen := c.rxGen
		c.mu.Unlock()
		if !armed {
			<-c.rxArm
			continue
		}

		pkt, err := c.readPacket()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if gen != c.rxGen {
			// Aborted by CancelIO; the callback is not invoked.
			c.mu.Unlock()
			continue
		}
		cb := c.receiveCb
		cbGen := c.cbGen
		if err != nil {
			c.receiveCb = nil
			c.mu.Unlock()
			logrus.Debugf("Failed to read from the connection '%s': %v",
				c.Description(), err)
			if cb != nil {
				cb(c, nil, false)
			}
			return
		}
		c.mu.Unlock()

		if cb(c, pkt, true) == ReadStop {
			c.mu.Lock()
			if c.cbGen == cbGen {
				c.receiveCb = nil
			}
			c.mu.Unlock()
		}
	}
}

// readPacket reads and parses exactly one frame.
func (c *Connection) readPacket() (*Packet, error) {
	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(c.conn, headerBuf[:]); err != nil {
		return nil, err
	}
	header, err := ParseHeader(headerBuf[:])
	if err != nil {
		return nil, err
	}
	if int(header.Size) < PacketMinSize {
		return nil, fmt.Errorf("packet size too small: %d", header.Size)
	}

	body := make([]byte, int(header.Size)-HeaderSize)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return DeserializePacket(header, body)
}

// CancelIO cancels outstanding I/O in the chosen direction. Cancelled
// operations complete without invoking their callbacks; for TX the queue is
// drained. The connection stays usable: installing a new receive callback or
// enqueueing a new packet re-arms the direction.
func (c *Connection) CancelIO(direction IODirection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if direction == IODirectionRX || direction == IODirectionBoth {
		c.rxGen++
		c.rxCancelled = true
		c.receiveCb = nil
		c.conn.SetReadDeadline(time.Now())
	}
	if direction == IODirectionTX || direction == IODirectionBoth {
		c.txGen++
		c.queue = nil
		c.conn.SetWriteDeadline(time.Now())
	}
}

// Close cancels both directions and releases the socket.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.receiveCb = nil
	c.mu.Unlock()

	// Wake an idle reader so it can observe the closed flag; a blocked
	// read is unblocked by closing the socket itself.
	select {
	case c.rxArm <- struct{}{}:
	default:
	}
	c.conn.Close()
	logrus.Debugf("Connection '%s' closed", c.id)
}

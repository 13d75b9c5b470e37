package core

// Network manager: the listener, the periodic dialer and the registry of
// live peers. Addresses of known peers come from a per-user text file; every
// accepted or established socket becomes a Peer which immediately starts a
// handshake.

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dscuss-network/pkg/config"
	"dscuss-network/pkg/utils"
)

// AddrFileName is the name of the peer address file inside the user
// directory, one host:port per line.
const AddrFileName = "addresses"

const dialTimeout = 5 * time.Second

var (
	ipPortRegex = regexp.MustCompile(
		`^(([0-9]|[1-9][0-9]|1[0-9]{2}|2[0-4][0-9]|25[0-5])\.){3}` +
			`([0-9]|[1-9][0-9]|1[0-9]{2}|2[0-4][0-9]|25[0-5]):\d+$`)
	hostPortRegex = regexp.MustCompile(
		`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*` +
			`([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9]):\d+$`)
)

// numericHostRegex matches a host of digits and dots only. Such a host is an
// IPv4 address or nothing: a hostname never has the dotted-decimal form.
var numericHostRegex = regexp.MustCompile(`^[0-9.]+:\d+$`)

// ValidatePeerAddress reports whether addr is a valid host:port, where host
// is an IPv4 dotted quad or a hostname.
func ValidatePeerAddress(addr string) bool {
	if ipPortRegex.MatchString(addr) {
		return true
	}
	return !numericHostRegex.MatchString(addr) && hostPortRegex.MatchString(addr)
}

// readPeerAddresses loads and validates the address file, dropping
// malformed lines and duplicates.
func readPeerAddresses(filename string, log *logrus.Logger) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("Address file '%s' not found; no peers to dial.", filename)
			return nil, nil
		}
		return nil, utils.Wrap(err, "open address file")
	}
	defer file.Close()

	var addrs []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !ValidatePeerAddress(line) {
			log.Warnf("Malformed peer address: '%s'. Ignoring it.", line)
			continue
		}
		if seen[line] {
			log.Warnf("Duplicated peer address: '%s'. Ignoring it.", line)
			continue
		}
		seen[line] = true
		addrs = append(addrs, line)
	}
	return addrs, utils.Wrap(scanner.Err(), "read address file")
}

// NewPeerCallback observes a peer that completed its handshake.
type NewPeerCallback func(peer *Peer)

// Network is the running network subsystem of a logged-in node.
type Network struct {
	log       *logrus.Logger
	self      *User
	key       *ecdsa.PrivateKey
	subs      Subscriptions
	db        *DB
	onNewPeer NewPeerCallback
	onClosed  DisconnectCallback

	listener net.Listener
	addrs    []string

	mu sync.Mutex
	// peers maps every live peer to its associated dial address; inbound
	// peers have "".
	peers map[*Peer]string

	stop chan struct{}
	wg   sync.WaitGroup
}

// StartNetwork brings the subsystem up: it starts listening on the
// configured port, loads the dial list from addrFile and schedules the
// periodic dial tick.
func StartNetwork(cfg *config.Config, addrFile string, self *User,
	key *ecdsa.PrivateKey, subs Subscriptions, db *DB, log *logrus.Logger,
	onNewPeer NewPeerCallback, onClosed DisconnectCallback) (*Network, error) {

	addrs, err := readPeerAddresses(addrFile, log)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Network.Port))
	if err != nil {
		return nil, utils.Wrap(err, "start listening")
	}
	log.Infof("Listening for incoming connections on port %d.", cfg.Network.Port)

	n := &Network{
		log:       log,
		self:      self,
		key:       key,
		subs:      subs,
		db:        db,
		onNewPeer: onNewPeer,
		onClosed:  onClosed,
		listener:  listener,
		addrs:     addrs,
		peers:     make(map[*Peer]string),
		stop:      make(chan struct{}),
	}

	n.wg.Add(2)
	go n.acceptLoop()
	go n.dialLoop(time.Duration(cfg.Network.ConnectTimeout) * time.Second)
	return n, nil
}

func (n *Network) acceptLoop() {
	defer n.wg.Done()
	for {
		sock, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			n.log.Warnf("Failed to accept a connection: %v", err)
			continue
		}
		n.log.Debugf("New connection from '%s'", sock.RemoteAddr())
		n.adoptSocket(sock, "")
	}
}

func (n *Network) dialLoop(period time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.dialIdleAddresses()
		}
	}
}

// dialIdleAddresses attempts an outbound connect for every known address not
// currently associated with a live peer.
func (n *Network) dialIdleAddresses() {
	for _, addr := range n.addrs {
		n.mu.Lock()
		busy := false
		for _, have := range n.peers {
			if have == addr {
				busy = true
				break
			}
		}
		n.mu.Unlock()
		if busy {
			continue
		}

		sock, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			n.log.Debugf("Failed to connect to '%s': %v", addr, err)
			continue
		}
		n.log.Debugf("Established outgoing connection to '%s'", addr)
		n.adoptSocket(sock, addr)
	}
}

// adoptSocket wraps a socket in a peer, registers it and starts the
// handshake. addr is the dialled address, "" for inbound connections.
func (n *Network) adoptSocket(sock net.Conn, addr string) {
	peer := NewPeer(sock, addr == "", n.onPeerDisconnect)

	n.mu.Lock()
	n.peers[peer] = addr
	n.mu.Unlock()

	peer.RunHandshake(n.self, n.key, n.subs, n.db, func(err error) {
		if err != nil {
			// A remote that broke the protocol is distinguished from
			// a dead socket or an expired deadline.
			reason := DisconnectReasonBroken
			if errors.Is(err, ErrProtocolViolation) {
				reason = DisconnectReasonViolation
			}
			go peer.FreeWithReason(reason, nil)
			return
		}
		n.log.Infof("Handshake with '%s' succeeded.", peer.Description())
		n.onNewPeer(peer)
	})
}

// onPeerDisconnect unregisters a departing peer. When a duplicate connection
// loses to a surviving peer, the loser's dial address is transferred to the
// winner so the dialer does not immediately reconnect through the other
// endpoint.
func (n *Network) onPeerDisconnect(peer *Peer, reason DisconnectReason, dup *Peer) {
	n.mu.Lock()
	addr, found := n.peers[peer]
	if !found {
		n.log.Warnf("Peer '%s' was not found in the table of connected peers",
			peer.Description())
	}
	delete(n.peers, peer)

	if reason == DisconnectReasonDuplicate && dup != nil && addr != "" {
		if dupAddr := n.peers[dup]; dupAddr != "" && dupAddr != addr {
			n.log.Warnf("Addresses '%s' and '%s' are addresses of the same peer",
				addr, dupAddr)
		}
		n.peers[dup] = addr
	}
	n.mu.Unlock()

	if n.onClosed != nil {
		n.onClosed(peer, reason, dup)
	}
}

// Peers returns a snapshot of all live peers.
func (n *Network) Peers() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Peer, 0, len(n.peers))
	for peer := range n.peers {
		out = append(out, peer)
	}
	return out
}

// AssociatedAddress returns the dial address a peer is associated with, ""
// for inbound peers.
func (n *Network) AssociatedAddress(peer *Peer) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[peer]
}

// Uninit stops the dial tick, closes the listener and releases all peers.
func (n *Network) Uninit() {
	close(n.stop)
	n.listener.Close()
	n.wg.Wait()

	for _, peer := range n.Peers() {
		peer.Free()
	}
	n.log.Debug("Network subsystem uninitialized.")
}

package core

// Node facade: login/register lifecycle, the relevance filter, message
// fan-out and the board/thread queries. A node owns the topic regex cache
// and the at-most-one logged-in user.

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dscuss-network/pkg/config"
	"dscuss-network/pkg/utils"
)

// File names inside a user directory.
const (
	PrivKeyFileName       = "privkey.pem"
	DBFileName            = "db"
	SubscriptionsFileName = "subscriptions"
	PowProgressFileName   = "proof_of_work.tmp"
)

// NodeCallbacks notify the UI about entities arriving from the network.
type NodeCallbacks struct {
	NewMessage   func(msg *Message)
	NewUser      func(user *User)
	NewOperation func(oper *Operation)
}

// MessageStreamCallback receives one streamed message per invocation, then a
// nil message as end-of-stream. ok is false on a fatal storage error. The
// return value continues or stops the stream.
type MessageStreamCallback func(ok bool, msg *Message) bool

// loggedUser bundles everything owned by an active login.
type loggedUser struct {
	nickname  string
	key       *ecdsa.PrivateKey
	user      *User
	subs      Subscriptions
	db        *DB
	network   *Network
	callbacks NodeCallbacks
}

// Node is the engine facade handed to the UI.
type Node struct {
	dataDir string
	cfg     *config.Config
	log     *logrus.Logger

	mu     sync.Mutex
	logged *loggedUser
	pow    *PowSearch
}

// NewNode prepares the node: filesystem layout, configuration and the topic
// regex cache. It does not log anyone in.
func NewNode(dataDir string, log *logrus.Logger) (*Node, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, utils.Wrap(err, "create data directory")
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	InitTopicCache()
	return &Node{dataDir: dataDir, cfg: cfg, log: log}, nil
}

// Close shuts the node down: an active login is terminated, shared caches
// are released. Cleanup runs unconditionally.
func (n *Node) Close() {
	if n.IsLoggedIn() {
		if err := n.Logout(); err != nil {
			n.log.Warnf("Logout during shutdown failed: %v", err)
		}
	}
	n.mu.Lock()
	if n.pow != nil {
		n.pow.Stop()
		n.pow = nil
	}
	n.mu.Unlock()
	UninitTopicCache()
}

// DataDir returns the node's data directory.
func (n *Node) DataDir() string {
	return n.dataDir
}

func (n *Node) userDir(nickname string) string {
	return filepath.Join(n.dataDir, nickname)
}

func validateNickname(nickname string) error {
	if nickname == "" {
		return fmt.Errorf("nickname must not be empty")
	}
	if strings.ContainsAny(nickname, "/\\") || nickname != strings.TrimSpace(nickname) {
		return fmt.Errorf("invalid nickname: '%s'", nickname)
	}
	return nil
}

// Register creates a new user: a directory, a keypair and a background
// proof-of-work search. When the search completes, the self-signed User is
// assembled and persisted into a fresh database and callback reports the
// outcome. Registering an already-registered nickname is an error.
func (n *Node) Register(nickname, info string, callback func(ok bool)) error {
	if err := validateNickname(nickname); err != nil {
		return err
	}

	dir := n.userDir(nickname)
	dbPath := filepath.Join(dir, DBFileName)
	if _, err := os.Stat(dbPath); err == nil {
		return fmt.Errorf("database '%s' already exists:"+
			" looks like the user is already registered", dbPath)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return utils.Wrap(err, "create user directory")
	}

	key, err := InitPrivateKey(filepath.Join(dir, PrivKeyFileName))
	if err != nil {
		return err
	}

	n.log.Infof("Starting proof-of-work search for user '%s'."+
		" This will take a while.", nickname)
	pow, err := StartPowSearch(&key.PublicKey,
		filepath.Join(dir, PowProgressFileName), n.log,
		func(found bool, proof uint64) {
			n.mu.Lock()
			n.pow = nil
			n.mu.Unlock()
			if !found {
				n.log.Errorf("Proof-of-work search for '%s' failed", nickname)
				callback(false)
				return
			}
			callback(n.finishRegistration(key, proof, nickname, info, dbPath))
		})
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.pow = pow
	n.mu.Unlock()
	return nil
}

// finishRegistration assembles and persists the new user. A storage failure
// here is fatal for the registration and rolls it back.
func (n *Node) finishRegistration(key *ecdsa.PrivateKey, proof uint64,
	nickname, info, dbPath string) bool {

	user, err := EmergeUser(key, proof, nickname, info, time.Now())
	if err != nil {
		n.log.Errorf("Failed to create a user entity for '%s': %v", nickname, err)
		return false
	}

	db, err := OpenDB(dbPath, n.log)
	if err != nil {
		n.log.Errorf("Failed to open the database '%s': %v", dbPath, err)
		return false
	}
	defer db.Close()

	if err := db.PutUser(user); err != nil {
		n.log.Errorf("Failed to store the user '%s': %v", nickname, err)
		os.Remove(dbPath)
		return false
	}
	n.log.Infof("User '%s' successfully registered.", nickname)
	return true
}

// Login activates a registered user: loads the keypair, opens the database,
// loads subscriptions and brings the network subsystem up. At most one login
// may be active.
func (n *Node) Login(nickname string, callbacks NodeCallbacks) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.logged != nil {
		return fmt.Errorf("user '%s' is already logged in", n.logged.nickname)
	}

	dir := n.userDir(nickname)
	key, err := ReadPrivateKey(filepath.Join(dir, PrivKeyFileName))
	if err != nil {
		return err
	}

	db, err := OpenDB(filepath.Join(dir, DBFileName), n.log)
	if err != nil {
		return err
	}

	der, err := PublicKeyToDER(&key.PublicKey)
	if err != nil {
		db.Close()
		return err
	}
	user, err := db.GetUser(SHA512(der))
	if err != nil {
		db.Close()
		return err
	}
	if user == nil {
		db.Close()
		return fmt.Errorf("no user entity for '%s' in the database:"+
			" the registration did not complete", nickname)
	}

	subs, err := ReadSubscriptions(filepath.Join(dir, SubscriptionsFileName))
	if err != nil {
		db.Close()
		return err
	}

	logged := &loggedUser{
		nickname:  nickname,
		key:       key,
		user:      user,
		subs:      subs,
		db:        db,
		callbacks: callbacks,
	}
	network, err := StartNetwork(n.cfg, filepath.Join(dir, AddrFileName),
		user, key, subs, db, n.log, n.onNewPeer, n.onPeerClosed)
	if err != nil {
		db.Close()
		return err
	}
	logged.network = network
	n.logged = logged

	n.log.Infof("User '%s' successfully logged in.", nickname)
	return nil
}

// Logout frees all peers, shuts the network down and releases the database.
// Logging out without a login is a warning, not an error.
func (n *Node) Logout() error {
	n.mu.Lock()
	logged := n.logged
	n.logged = nil
	n.mu.Unlock()

	if logged == nil {
		n.log.Warnf("Attempt to log out without an active login.")
		return nil
	}

	logged.network.Uninit()
	if err := logged.db.Close(); err != nil {
		return err
	}
	n.log.Infof("User '%s' logged out.", logged.nickname)
	return nil
}

// IsLoggedIn reports whether a login is active.
func (n *Node) IsLoggedIn() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.logged != nil
}

func (n *Node) loggedUser() (*loggedUser, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.logged == nil {
		return nil, fmt.Errorf("not logged in")
	}
	return n.logged, nil
}

// LoggedUser returns the user entity of the active login.
func (n *Node) LoggedUser() (*User, error) {
	logged, err := n.loggedUser()
	if err != nil {
		return nil, err
	}
	return logged.user, nil
}

// Subscriptions returns the subscriptions of the active login.
func (n *Node) Subscriptions() (Subscriptions, error) {
	logged, err := n.loggedUser()
	if err != nil {
		return nil, err
	}
	return logged.subs, nil
}

// Peers returns a snapshot of the live peers of the active login.
func (n *Node) Peers() []*Peer {
	logged, err := n.loggedUser()
	if err != nil {
		return nil
	}
	return logged.network.Peers()
}

// PeerAddress returns the dial address a peer is currently associated with,
// "" for inbound peers or without an active login. The association can move
// between peers when a duplicate connection is resolved.
func (n *Node) PeerAddress(peer *Peer) string {
	logged, err := n.loggedUser()
	if err != nil {
		return ""
	}
	return logged.network.AssociatedAddress(peer)
}

// IsMessageRelevant reports whether at least one of the subscriptions
// contains the message's topic. subs must not be empty; an empty
// subscription list is a login-time failure.
func IsMessageRelevant(subs Subscriptions, msg *Message) bool {
	for _, topic := range subs {
		if topic.ContainsTopic(msg.Topic) {
			return true
		}
	}
	return false
}

// onNewPeer runs when a handshake completes. A second connection resolving
// to an already-connected user is freed as a duplicate; the earlier peer
// survives.
func (n *Node) onNewPeer(peer *Peer) {
	logged, err := n.loggedUser()
	if err != nil {
		go peer.Free()
		return
	}

	peerID := peer.User().ID()
	for _, other := range logged.network.Peers() {
		if other != peer && other.IsHandshaked() && other.User().ID() == peerID {
			n.log.Debugf("Peer '%s' duplicates '%s'; freeing the newcomer.",
				peer.Description(), other.Description())
			go peer.FreeWithReason(DisconnectReasonDuplicate, other)
			return
		}
	}

	peer.SetReceiveCallback(n.onNewEntity)
	if logged.callbacks.NewUser != nil {
		logged.callbacks.NewUser(peer.User())
	}
}

func (n *Node) onPeerClosed(peer *Peer, reason DisconnectReason, dup *Peer) {
	n.log.Debugf("Peer '%s' disconnected with reason %s", peer.Description(), reason)
}

// onNewEntity ingests entities from handshaked peers. Messages outside the
// local user's subscriptions are a protocol violation by the sender.
func (n *Node) onNewEntity(peer *Peer, entity Entity, ok bool) ReadVerdict {
	logged, err := n.loggedUser()
	if err != nil {
		go peer.Free()
		return ReadStop
	}

	if !ok {
		n.log.Warnf("Failed to read from peer '%s'", peer.Description())
		go peer.FreeWithReason(DisconnectReasonBroken, nil)
		return ReadStop
	}

	n.log.Debugf("New entity from '%s' received: %s",
		peer.Description(), entity.Description())

	switch e := entity.(type) {
	case *Message:
		return n.ingestMessage(logged, peer, e)
	case *Operation:
		n.log.Warnf("Operation ingest is not yet implemented")
		return ReadMore
	default:
		n.log.Warnf("Unexpected entity kind %d from peer '%s'",
			entity.EntityType(), peer.Description())
		go peer.FreeWithReason(DisconnectReasonViolation, nil)
		return ReadStop
	}
}

func (n *Node) ingestMessage(logged *loggedUser, peer *Peer, msg *Message) ReadVerdict {
	if !IsMessageRelevant(logged.subs, msg) {
		n.log.Warnf("Peer '%s' sent an uninteresting message from the"+
			" topic '%s'.", peer.Description(), msg.Topic)
		go peer.FreeWithReason(DisconnectReasonViolation, nil)
		return ReadStop
	}

	author, err := logged.db.GetUser(msg.AuthorID)
	if err != nil {
		n.log.Errorf("Failed to look up the author of message '%s': %v",
			msg.ID().Short(), err)
		return ReadMore
	}
	if author == nil || !msg.VerifySignature(author.PubKey) {
		n.log.Warnf("Invalid signature of message '%s' from peer '%s'",
			msg.ID().Short(), peer.Description())
		go peer.FreeWithReason(DisconnectReasonViolation, nil)
		return ReadStop
	}

	stored, err := logged.db.HasEntity(msg.ID())
	if err != nil {
		n.log.Errorf("Failed to check for message '%s': %v",
			msg.ID().Short(), err)
		return ReadMore
	}
	if stored {
		n.log.Debugf("Message '%s' is already known; skipping it.",
			msg.ID().Short())
		return ReadMore
	}

	// Persist before notifying the UI. A storage failure is logged but the
	// callback still fires so the UI stays live.
	if err := logged.db.PutMessage(msg); err != nil {
		n.log.Errorf("Failed to store message '%s' in the database: %v",
			msg.Description(), err)
	}
	if logged.callbacks.NewMessage != nil {
		logged.callbacks.NewMessage(msg)
	}
	return ReadMore
}

// NewThread creates and signs a new thread root authored by the logged user.
func (n *Node) NewThread(topic Topic, subject, text string) (*Message, error) {
	logged, err := n.loggedUser()
	if err != nil {
		return nil, err
	}
	return EmergeMessage(topic, subject, text, logged.user.ID(), ZeroHash, logged.key)
}

// NewReply creates and signs a reply to a stored message, inheriting the
// parent's topic.
func (n *Node) NewReply(parentID Hash, subject, text string) (*Message, error) {
	logged, err := n.loggedUser()
	if err != nil {
		return nil, err
	}
	parent, err := logged.db.GetMessage(parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("no such message: '%s'", parentID.Short())
	}
	return EmergeMessage(parent.Topic, subject, text, logged.user.ID(),
		parentID, logged.key)
}

// SendMessage persists a message locally, then pushes it to every handshaked
// peer whose declared subscriptions contain its topic. By the time the call
// returns, the local row is durable.
func (n *Node) SendMessage(msg *Message) error {
	logged, err := n.loggedUser()
	if err != nil {
		return err
	}

	if err := logged.db.PutMessage(msg); err != nil {
		return err
	}

	for _, peer := range logged.network.Peers() {
		if !peer.IsHandshaked() {
			continue
		}
		if !IsMessageRelevant(peer.Subscriptions(), msg) {
			continue
		}
		target := peer
		err := target.Send(msg, logged.key, func(ok bool) {
			if ok {
				n.log.Debugf("Message '%s' has been successfully"+
					" sent to '%s'", msg.Description(), target.Description())
			} else {
				n.log.Debugf("Failed to send the message '%s' to '%s'",
					msg.Description(), target.Description())
			}
		})
		if err != nil {
			n.log.Warnf("Failed to enqueue message '%s' for '%s': %v",
				msg.Description(), target.Description(), err)
		}
	}
	return nil
}

// GetMessages streams all stored messages, newest first.
func (n *Node) GetMessages(callback MessageStreamCallback) {
	n.streamFromStore(callback, func(db *DB, visit func(*Message) bool) error {
		return db.GetRecentMessages(visit)
	})
}

// ListBoard streams all thread roots, newest first.
func (n *Node) ListBoard(callback MessageStreamCallback) {
	n.streamFromStore(callback, func(db *DB, visit func(*Message) bool) error {
		return db.GetRootMessages(visit)
	})
}

func (n *Node) streamFromStore(callback MessageStreamCallback,
	iterate func(db *DB, visit func(*Message) bool) error) {

	logged, err := n.loggedUser()
	if err != nil {
		callback(false, nil)
		return
	}
	stopped := false
	err = iterate(logged.db, func(msg *Message) bool {
		if !callback(true, msg) {
			stopped = true
			return false
		}
		return true
	})
	if err != nil {
		n.log.Errorf("Failed to iterate messages: %v", err)
		callback(false, nil)
		return
	}
	if !stopped {
		callback(true, nil)
	}
}

// GetMessage is a point lookup by message id.
func (n *Node) GetMessage(id Hash) (*Message, error) {
	logged, err := n.loggedUser()
	if err != nil {
		return nil, err
	}
	return logged.db.GetMessage(id)
}

// ThreadNode is one message in an assembled thread tree.
type ThreadNode struct {
	Msg     *Message
	Replies []*ThreadNode
}

// ListThread assembles the tree rooted at rootID: for every node its replies
// are fetched newest-first and descended into depth-first (children first,
// then the next sibling, then the ancestor's next sibling).
func (n *Node) ListThread(rootID Hash) (*ThreadNode, error) {
	logged, err := n.loggedUser()
	if err != nil {
		return nil, err
	}
	root, err := logged.db.GetMessage(rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("no such message: '%s'", rootID.Short())
	}
	return n.assembleThread(logged.db, root)
}

func (n *Node) assembleThread(db *DB, msg *Message) (*ThreadNode, error) {
	node := &ThreadNode{Msg: msg}
	var replies []*Message
	err := db.GetMessageReplies(msg.ID(), func(reply *Message) bool {
		replies = append(replies, reply)
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, reply := range replies {
		child, err := n.assembleThread(db, reply)
		if err != nil {
			return nil, err
		}
		node.Replies = append(node.Replies, child)
	}
	return node, nil
}

// VisitThread walks an assembled thread depth-first, reporting each message
// with its depth.
func VisitThread(root *ThreadNode, visit func(msg *Message, depth int)) {
	var walk func(node *ThreadNode, depth int)
	walk = func(node *ThreadNode, depth int) {
		visit(node.Msg, depth)
		for _, child := range node.Replies {
			walk(child, depth+1)
		}
	}
	walk(root, 0)
}

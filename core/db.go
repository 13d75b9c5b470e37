package core

// Persistent store: a local SQLite database holding users, messages and the
// many-to-many tag index that backs topic queries. The database is owned
// exclusively by the logged-in node; writes are serialized over a single
// connection.

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"dscuss-network/pkg/utils"
)

// DB is a handle to the node's local database.
type DB struct {
	sql *sql.DB
	log *logrus.Logger
}

var dbPragmas = []string{
	"PRAGMA temp_store=MEMORY",
	"PRAGMA synchronous=OFF",
	"PRAGMA locking_mode=EXCLUSIVE",
	"PRAGMA page_size=4092",
}

var dbSchema = []string{
	`CREATE TABLE IF NOT EXISTS User (
	  Id              BLOB PRIMARY KEY,
	  Public_key      BLOB NOT NULL,
	  Proof           UNSIGNED BIG INT NOT NULL,
	  Nickname        TEXT NOT NULL,
	  Info            TEXT,
	  Timestamp       INTEGER NOT NULL,
	  Signature_len   INTEGER NOT NULL,
	  Signature       BLOB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS Message (
	  Id              BLOB PRIMARY KEY,
	  Subject         TEXT,
	  Content         TEXT,
	  Timestamp       UNSIGNED BIG INT NOT NULL,
	  Author_id       BLOB NOT NULL,
	  Parent_id       BLOB NOT NULL,
	  Signature_len   INTEGER NOT NULL,
	  Signature       BLOB NOT NULL,
	  FOREIGN KEY (Author_id) REFERENCES User(Id))`,
	`CREATE TABLE IF NOT EXISTS Operation (
	  Id              BLOB PRIMARY KEY,
	  Type            INTEGER NOT NULL,
	  Reason          INTEGER NOT NULL,
	  Comment         TEXT,
	  Author_id       BLOB NOT NULL,
	  Timestamp       UNSIGNED BIG INT NOT NULL,
	  Signature_len   INTEGER NOT NULL,
	  Signature       BLOB NOT NULL,
	  FOREIGN KEY (Author_id) REFERENCES User(Id))`,
	`CREATE TABLE IF NOT EXISTS Operation_on_User (
	  Operation_id    BLOB NOT NULL,
	  User_id         BLOB NOT NULL,
	  FOREIGN KEY (Operation_id) REFERENCES Operation(Id),
	  FOREIGN KEY (User_id) REFERENCES User(Id))`,
	`CREATE TABLE IF NOT EXISTS Operation_on_Message (
	  Operation_id    BLOB NOT NULL,
	  Message_id      BLOB NOT NULL,
	  FOREIGN KEY (Operation_id) REFERENCES Operation(Id),
	  FOREIGN KEY (Message_id) REFERENCES Message(Id))`,
	`CREATE TABLE IF NOT EXISTS Tag (
	  Id              INTEGER PRIMARY KEY AUTOINCREMENT,
	  Name            TEXT NOT NULL UNIQUE ON CONFLICT IGNORE)`,
	`CREATE TABLE IF NOT EXISTS Message_Tag (
	  Tag_id          INTEGER NOT NULL,
	  Message_id      BLOB NOT NULL,
	  FOREIGN KEY (Tag_id) REFERENCES Tag(Id),
	  FOREIGN KEY (Message_id) REFERENCES Message(Id),
	  UNIQUE (Tag_id, Message_id))`,
}

// OpenDB opens (creating if necessary) the database at filename.
func OpenDB(filename string, log *logrus.Logger) (*DB, error) {
	handle, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, utils.Wrap(err, "open database")
	}
	// One connection: writes are serialized and the exclusive lock is held
	// for the whole login.
	handle.SetMaxOpenConns(1)

	for _, pragma := range dbPragmas {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, utils.Wrap(err, "set database pragma")
		}
	}
	for _, stmt := range dbSchema {
		if _, err := handle.Exec(stmt); err != nil {
			handle.Close()
			return nil, utils.Wrap(err, "create database schema")
		}
	}

	log.Debug("Database subsystem successfully initialized.")
	return &DB{sql: handle, log: log}, nil
}

// Close releases the database connection.
func (db *DB) Close() error {
	db.log.Debug("Closing the database connection.")
	return db.sql.Close()
}

// PutUser stores a user entity.
func (db *DB) PutUser(user *User) error {
	db.log.Debugf("Adding user '%s' to the database.", user.Nickname)

	der, err := PublicKeyToDER(user.PubKey)
	if err != nil {
		return err
	}
	id := user.ID()
	_, err = db.sql.Exec(
		`INSERT INTO User
		 (Id, Public_key, Proof, Nickname, Info, Timestamp, Signature_len, Signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id[:], der, int64(user.Proof), user.Nickname, user.Info,
		user.Timestamp.Unix(), user.Sig.Len, user.Sig.Raw[:])
	return utils.Wrap(err, "put user")
}

// GetUser fetches a user by id. A missing user yields (nil, nil).
func (db *DB) GetUser(id Hash) (*User, error) {
	db.log.Debugf("Fetching user with id '%s' from the database.", id.Short())

	row := db.sql.QueryRow(
		`SELECT Public_key, Proof, Nickname, Info, Timestamp, Signature_len, Signature
		 FROM User WHERE Id=?`, id[:])

	var der, sigRaw []byte
	var proof, timestamp int64
	var nickname, info string
	var sigLen uint16
	err := row.Scan(&der, &proof, &nickname, &info, &timestamp, &sigLen, &sigRaw)
	if err == sql.ErrNoRows {
		db.log.Debug("No such user in the database.")
		return nil, nil
	}
	if err != nil {
		return nil, utils.Wrap(err, "get user")
	}

	pub, err := PublicKeyFromDER(der)
	if err != nil {
		return nil, utils.Wrap(err, "database is corrupted: bad public key")
	}
	sig, err := SignatureFromSlice(sigRaw, sigLen)
	if err != nil {
		return nil, utils.Wrap(err, "database is corrupted: bad signature")
	}
	return NewUser(pub, uint64(proof), nickname, info,
		time.Unix(timestamp, 0).UTC(), sig)
}

// PutMessage stores a message entity together with its tag index rows. The
// tag insert is idempotent (conflict-ignore on Tag.Name). The parent does not
// have to be known: replies may arrive before their parents.
func (db *DB) PutMessage(msg *Message) error {
	db.log.Debugf("Adding message '%s' to the database.", msg.Subject)

	id := msg.ID()
	_, err := db.sql.Exec(
		`INSERT INTO Message
		 (Id, Subject, Content, Timestamp, Author_id, Parent_id, Signature_len, Signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id[:], msg.Subject, msg.Text, msg.Timestamp.Unix(),
		msg.AuthorID[:], msg.ParentID[:], msg.Sig.Len, msg.Sig.Raw[:])
	if err != nil {
		return utils.Wrap(err, "put message")
	}

	for _, tag := range msg.Topic {
		if _, err := db.sql.Exec(
			`INSERT INTO Tag (Name) VALUES (?)`, tag); err != nil {
			return utils.Wrap(err, "put tag")
		}
		if _, err := db.sql.Exec(
			`INSERT INTO Message_Tag (Message_id, Tag_id)
			 VALUES (?, (SELECT Id FROM Tag WHERE Name=?))`,
			id[:], tag); err != nil {
			return utils.Wrap(err, "put message tag")
		}
	}
	return nil
}

// messageTopic assembles the topic of a stored message from the tag tables.
func (db *DB) messageTopic(id Hash) (Topic, error) {
	rows, err := db.sql.Query(
		`SELECT Name FROM Tag
		 JOIN Message_Tag ON Message_Tag.Tag_id = Tag.Id
		 WHERE Message_Tag.Message_id = ?
		 ORDER BY Name`, id[:])
	if err != nil {
		return nil, utils.Wrap(err, "get message tags")
	}
	defer rows.Close()

	var topic Topic
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, utils.Wrap(err, "scan tag")
		}
		topic = append(topic, tag)
	}
	return topic, rows.Err()
}

// messageRow is one fetched Message row before its topic is assembled.
type messageRow struct {
	id        Hash
	subject   string
	content   string
	timestamp int64
	authorID  Hash
	parentID  Hash
	sig       Signature
}

func scanMessageRow(rows *sql.Rows) (*messageRow, error) {
	var mr messageRow
	var idRaw, authorRaw, parentRaw, sigRaw []byte
	var sigLen uint16
	if err := rows.Scan(&idRaw, &mr.subject, &mr.content, &mr.timestamp,
		&authorRaw, &parentRaw, &sigLen, &sigRaw); err != nil {
		return nil, utils.Wrap(err, "scan message")
	}
	var err error
	if mr.id, err = HashFromSlice(idRaw); err != nil {
		return nil, err
	}
	if mr.authorID, err = HashFromSlice(authorRaw); err != nil {
		return nil, err
	}
	if mr.parentID, err = HashFromSlice(parentRaw); err != nil {
		return nil, err
	}
	if mr.sig, err = SignatureFromSlice(sigRaw, sigLen); err != nil {
		return nil, err
	}
	return &mr, nil
}

// queryMessages fetches message rows, assembles their topics and rebuilds
// the entities. The row set is drained before topics are queried: the store
// runs on a single connection.
func (db *DB) queryMessages(query string, args ...interface{}) ([]*Message, error) {
	rows, err := db.sql.Query(query, args...)
	if err != nil {
		return nil, utils.Wrap(err, "query messages")
	}

	var fetched []*messageRow
	for rows.Next() {
		mr, err := scanMessageRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		fetched = append(fetched, mr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, utils.Wrap(err, "iterate messages")
	}
	rows.Close()

	msgs := make([]*Message, 0, len(fetched))
	for _, mr := range fetched {
		topic, err := db.messageTopic(mr.id)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, NewMessage(topic, mr.subject, mr.content,
			mr.authorID, mr.parentID, time.Unix(mr.timestamp, 0).UTC(), mr.sig))
	}
	return msgs, nil
}

const messageColumns = `Id, Subject, Content, Timestamp, Author_id, Parent_id,
	Signature_len, Signature`

// GetMessage fetches a message by id. A missing message yields (nil, nil).
func (db *DB) GetMessage(id Hash) (*Message, error) {
	db.log.Debugf("Fetching message with id '%s' from the database.", id.Short())

	msgs, err := db.queryMessages(
		`SELECT `+messageColumns+` FROM Message WHERE Id=?`, id[:])
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// GetRootMessages streams all thread roots, newest first.
func (db *DB) GetRootMessages(visit func(msg *Message) bool) error {
	return db.streamMessages(visit,
		`SELECT `+messageColumns+` FROM Message WHERE Parent_id=?
		 ORDER BY Timestamp DESC`, ZeroHash[:])
}

// GetMessageReplies streams the direct replies of a message, newest first.
func (db *DB) GetMessageReplies(parentID Hash, visit func(msg *Message) bool) error {
	return db.streamMessages(visit,
		`SELECT `+messageColumns+` FROM Message WHERE Parent_id=?
		 ORDER BY Timestamp DESC`, parentID[:])
}

// GetRecentMessages streams all stored messages, newest first.
func (db *DB) GetRecentMessages(visit func(msg *Message) bool) error {
	return db.streamMessages(visit,
		`SELECT `+messageColumns+` FROM Message ORDER BY Timestamp DESC`)
}

func (db *DB) streamMessages(visit func(msg *Message) bool, query string,
	args ...interface{}) error {

	msgs, err := db.queryMessages(query, args...)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if !visit(msg) {
			return nil
		}
	}
	return nil
}

// HasEntity reports whether any stored entity carries the given id.
func (db *DB) HasEntity(id Hash) (bool, error) {
	row := db.sql.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM User WHERE Id=?)
		 OR EXISTS (SELECT 1 FROM Message WHERE Id=?)
		 OR EXISTS (SELECT 1 FROM Operation WHERE Id=?)`,
		id[:], id[:], id[:])
	var found bool
	if err := row.Scan(&found); err != nil {
		return false, utils.Wrap(err, "has entity")
	}
	return found, nil
}

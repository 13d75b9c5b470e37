package core

// User entity: a self-signed binding of a public key, its proof-of-work and a
// nickname. The user id is SHA-512 of the DER public key.

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
)

// userFixedSize is the size of the fixed-width prefix of the wire form:
// u16 pubkey_len + u64 proof + u16 nickname_len + u16 info_len + i64 timestamp.
const userFixedSize = 2 + 8 + 2 + 2 + 8

// User is a registered identity.
type User struct {
	PubKey    *ecdsa.PublicKey
	Proof     uint64
	Nickname  string
	Info      string
	Timestamp time.Time
	Sig       Signature

	id Hash
}

func newUserNoSignature(pub *ecdsa.PublicKey, proof uint64, nickname, info string,
	timestamp time.Time) (*User, error) {

	der, err := PublicKeyToDER(pub)
	if err != nil {
		return nil, err
	}
	return &User{
		PubKey:    pub,
		Proof:     proof,
		Nickname:  nickname,
		Info:      info,
		Timestamp: timestamp.UTC().Truncate(time.Second),
		id:        SHA512(der),
	}, nil
}

// NewUser assembles a user entity from its parsed fields.
func NewUser(pub *ecdsa.PublicKey, proof uint64, nickname, info string,
	timestamp time.Time, sig Signature) (*User, error) {

	user, err := newUserNoSignature(pub, proof, nickname, info, timestamp)
	if err != nil {
		return nil, err
	}
	user.Sig = sig
	return user, nil
}

// EmergeUser creates and self-signs a brand-new user entity. Used once, at
// registration, after the proof-of-work search has finished.
func EmergeUser(key *ecdsa.PrivateKey, proof uint64, nickname, info string,
	timestamp time.Time) (*User, error) {

	user, err := newUserNoSignature(&key.PublicKey, proof, nickname, info, timestamp)
	if err != nil {
		return nil, err
	}
	prefix, err := user.serializePrefix()
	if err != nil {
		return nil, err
	}
	sig, err := Sign(prefix, key)
	if err != nil {
		return nil, err
	}
	user.Sig = sig
	return user, nil
}

// EntityType implements Entity.
func (u *User) EntityType() EntityType { return EntityTypeUser }

// ID implements Entity.
func (u *User) ID() Hash { return u.id }

// Description implements Entity.
func (u *User) Description() string { return u.Nickname }

// serializePrefix emits every serialized byte preceding the signature; this
// is the digest the self-signature covers.
func (u *User) serializePrefix() ([]byte, error) {
	der, err := PublicKeyToDER(u.PubKey)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(len(der)))
	binary.Write(buf, binary.BigEndian, u.Proof)
	binary.Write(buf, binary.BigEndian, uint16(len(u.Nickname)))
	binary.Write(buf, binary.BigEndian, uint16(len(u.Info)))
	binary.Write(buf, binary.BigEndian, u.Timestamp.Unix())
	buf.Write(der)
	buf.WriteString(u.Nickname)
	buf.WriteString(u.Info)
	return buf.Bytes(), nil
}

// Serialize implements Entity. The wire form is the signed prefix followed by
// the fixed-width signature buffer.
func (u *User) Serialize() ([]byte, error) {
	prefix, err := u.serializePrefix()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(prefix)+SignatureSize)
	out = append(out, prefix...)
	out = append(out, u.Sig.Raw[:]...)
	return out, nil
}

// DeserializeUser parses the wire form of a user entity. The signature length
// is recovered from the DER header inside the signature buffer.
func DeserializeUser(data []byte) (*User, error) {
	if len(data) <= userFixedSize+SignatureSize {
		logrus.Warnf("User data is too small: %d bytes", len(data))
		return nil, ErrMalformed
	}

	pubkeyLen := int(binary.BigEndian.Uint16(data[0:2]))
	proof := binary.BigEndian.Uint64(data[2:10])
	nicknameLen := int(binary.BigEndian.Uint16(data[10:12]))
	infoLen := int(binary.BigEndian.Uint16(data[12:14]))
	timestamp := int64(binary.BigEndian.Uint64(data[14:22]))

	rest := data[userFixedSize:]
	if len(rest) != pubkeyLen+nicknameLen+infoLen+SignatureSize {
		logrus.Warnf("User data has wrong size: %d bytes", len(data))
		return nil, ErrMalformed
	}
	if nicknameLen == 0 {
		logrus.Warnf("User entity with an empty nickname")
		return nil, ErrMalformed
	}

	pub, err := PublicKeyFromDER(rest[:pubkeyLen])
	if err != nil {
		logrus.Warnf("Failed to parse public key: %v", err)
		return nil, ErrMalformed
	}
	rest = rest[pubkeyLen:]

	nickname := string(rest[:nicknameLen])
	rest = rest[nicknameLen:]
	info := string(rest[:infoLen])
	rest = rest[infoLen:]

	sigLen, ok := derLen(rest)
	if !ok {
		logrus.Warnf("User entity carries a malformed signature")
		return nil, ErrMalformed
	}
	sig, err := SignatureFromSlice(rest, sigLen)
	if err != nil {
		return nil, ErrMalformed
	}

	return NewUser(pub, proof, nickname, info, time.Unix(timestamp, 0).UTC(), sig)
}

// VerifySignature checks the self-signature over the serialized prefix.
func (u *User) VerifySignature() bool {
	prefix, err := u.serializePrefix()
	if err != nil {
		logrus.Warnf("Failed to serialize the user '%s': %v", u.Nickname, err)
		return false
	}
	return Verify(prefix, u.PubKey, u.Sig)
}

// IsValid reports whether the user satisfies the registration invariants:
// the proof-of-work holds for its public key and the self-signature verifies.
func (u *User) IsValid() bool {
	return ValidateProof(u.PubKey, u.Proof) && u.VerifySignature()
}

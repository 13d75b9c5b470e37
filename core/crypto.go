package core

// Elliptic curve cryptography for the Dscuss identity layer. A user is a
// secp224r1 keypair; the public component travels as a DER
// SubjectPublicKeyInfo blob and the user id is the SHA-512 of that blob.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"dscuss-network/pkg/utils"
)

// HashSize is the width of the primitive identifier (SHA-512 digest).
const HashSize = sha512.Size

// SignatureSize is the fixed width of the signature buffer. DER-encoded
// secp224r1 signatures never exceed it; shorter signatures are zero-padded.
const SignatureSize = 64

// Hash is the primitive identifier for keys, users and messages.
type Hash [HashSize]byte

// ZeroHash marks thread roots (all-zero parent id).
var ZeroHash Hash

// ErrMalformedKey reports a public key blob that does not decode.
var ErrMalformedKey = errors.New("malformed public key")

// String returns the full hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated hex form for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// HashFromSlice copies b into a Hash. b must be exactly HashSize bytes.
func HashFromSlice(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("bad hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Signature carries a DER-encoded ECDSA signature padded to SignatureSize
// bytes, together with the number of meaningful bytes.
type Signature struct {
	Raw [SignatureSize]byte
	Len uint16
}

// SignatureFromSlice rebuilds a Signature from its padded raw form.
func SignatureFromSlice(raw []byte, length uint16) (Signature, error) {
	var sig Signature
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("bad signature buffer length: %d", len(raw))
	}
	if int(length) > SignatureSize {
		return sig, fmt.Errorf("signature length out of range: %d", length)
	}
	copy(sig.Raw[:], raw)
	sig.Len = length
	return sig, nil
}

// derLen recovers the meaningful length of a DER signature from its own
// SEQUENCE header. Used where the wire format omits the explicit length.
func derLen(raw []byte) (uint16, bool) {
	if len(raw) < 2 || raw[0] != 0x30 {
		return 0, false
	}
	n := int(raw[1]) + 2
	if n > SignatureSize {
		return 0, false
	}
	return uint16(n), true
}

// NewPrivateKey generates a fresh secp224r1 private key from the OS CSPRNG.
func NewPrivateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	if err != nil {
		return nil, utils.Wrap(err, "generate EC key")
	}
	return key, nil
}

// WritePrivateKey stores a private key as PEM, readable by the owner only.
func WritePrivateKey(key *ecdsa.PrivateKey, filename string) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return utils.Wrap(err, "encode EC key")
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	return os.WriteFile(filename, pem.EncodeToMemory(block), 0o600)
}

// ReadPrivateKey loads a PEM private key written by WritePrivateKey.
func ReadPrivateKey(filename string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, utils.Wrap(err, "read private key")
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("no EC private key in '%s'", filename)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, utils.Wrap(err, "parse private key")
	}
	return key, nil
}

// InitPrivateKey reads the private key from filename, creating and storing a
// new one first if the file does not exist.
func InitPrivateKey(filename string) (*ecdsa.PrivateKey, error) {
	if _, err := os.Stat(filename); err == nil {
		return ReadPrivateKey(filename)
	}
	key, err := NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := WritePrivateKey(key, filename); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKeyToDER encodes a public key as a DER SubjectPublicKeyInfo blob.
func PublicKeyToDER(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, utils.Wrap(err, "encode public key")
	}
	return der, nil
}

// PublicKeyFromDER decodes a DER SubjectPublicKeyInfo blob.
func PublicKeyFromDER(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrMalformedKey
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P224() {
		return nil, ErrMalformedKey
	}
	return pub, nil
}

// Sign signs data with the given private key. The digest is SHA-512 of data.
func Sign(data []byte, key *ecdsa.PrivateKey) (Signature, error) {
	var sig Signature
	digest := sha512.Sum512(data)
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return sig, utils.Wrap(err, "sign")
	}
	if len(der) > SignatureSize {
		return sig, fmt.Errorf("signature too long: %d", len(der))
	}
	copy(sig.Raw[:], der)
	sig.Len = uint16(len(der))
	return sig, nil
}

// Verify checks a signature produced by Sign over the same data.
func Verify(data []byte, pub *ecdsa.PublicKey, sig Signature) bool {
	if sig.Len == 0 || int(sig.Len) > SignatureSize {
		return false
	}
	digest := sha512.Sum512(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig.Raw[:sig.Len])
}

// SHA512 hashes data into a Hash.
func SHA512(data []byte) Hash {
	return sha512.Sum512(data)
}

// PBKDF2HMACSHA512 derives outLen bytes from password and salt.
func PBKDF2HMACSHA512(password, salt []byte, iter, outLen int) []byte {
	return pbkdf2.Key(password, salt, iter, outLen, sha512.New)
}

// CountLeadingZeros returns the number of leading zero bits of a hash.
// Bit 0 is the most significant bit of byte 0; the all-zero hash yields 512.
func CountLeadingZeros(h Hash) uint {
	var count uint
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

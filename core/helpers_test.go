package core

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func init() {
	InitTopicCache()
	logrus.SetLevel(logrus.ErrorLevel)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// findProof searches a proof-of-work synchronously. The runtime zero-bit
// requirement is small enough for tests.
func findProof(t *testing.T, pub *ecdsa.PublicKey) uint64 {
	t.Helper()
	der, err := PublicKeyToDER(pub)
	if err != nil {
		t.Fatalf("PublicKeyToDER: %v", err)
	}
	for proof := uint64(0); ; proof++ {
		if CountLeadingZeros(powHash(der, proof)) >= PowRequiredZeros {
			return proof
		}
	}
}

// makeTestUser registers a complete, valid user entity.
func makeTestUser(t *testing.T, nickname string) (*User, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	proof := findProof(t, &key.PublicKey)
	user, err := EmergeUser(key, proof, nickname, "test user", time.Now())
	if err != nil {
		t.Fatalf("EmergeUser: %v", err)
	}
	return user, key
}

func mustTopic(t *testing.T, s string) Topic {
	t.Helper()
	topic, err := NewTopic(s)
	if err != nil {
		t.Fatalf("NewTopic(%q): %v", s, err)
	}
	return topic
}

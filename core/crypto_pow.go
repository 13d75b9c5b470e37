package core

// Proof-of-work over the user's public key. Registration requires finding a
// 64-bit nonce whose PBKDF2 digest of DER(pubkey)||nonce starts with enough
// zero bits; the search is long-running, resumable and runs in background.

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"dscuss-network/pkg/utils"
)

const (
	powSalt = "dscuss-proof-of-work"

	// PowRequiredZeros is the number of leading zero bits a valid proof
	// must produce.
	PowRequiredZeros = 10

	powProbesPerSlice     = 100
	powProbesBetweenSaves = 1_000_000
)

// Only one search may run in the process at a time; the progress file is
// owned by the active search.
var powSearchActive atomic.Bool

// powHash computes PBKDF2-HMAC-SHA512(DER(pub) || be64(proof)).
func powHash(pubkeyDER []byte, proof uint64) Hash {
	buf := make([]byte, len(pubkeyDER)+8)
	copy(buf, pubkeyDER)
	binary.BigEndian.PutUint64(buf[len(pubkeyDER):], proof)
	digest := PBKDF2HMACSHA512(buf, []byte(powSalt), 1, HashSize)
	var h Hash
	copy(h[:], digest)
	return h
}

// ValidateProof recomputes the proof-of-work hash and checks the zero count.
func ValidateProof(pub *ecdsa.PublicKey, proof uint64) bool {
	der, err := PublicKeyToDER(pub)
	if err != nil {
		logrus.Warnf("Failed to serialize public key: %v", err)
		return false
	}
	return CountLeadingZeros(powHash(der, proof)) >= PowRequiredZeros
}

// powWriteProgress stores the counter as decimal ASCII via an atomic rename,
// so a crash never leaves a torn file behind.
func powWriteProgress(filename string, counter uint64) error {
	tmp := filename + ".part"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(counter, 10)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

// powReadProgress loads a counter stored by powWriteProgress.
func powReadProgress(filename string) (uint64, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	counter, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, utils.Wrap(err, "parse proof-of-work progress")
	}
	return counter, nil
}

// PowSearch is a running background proof-of-work search.
type PowSearch struct {
	pubkeyDER    string
	progressFile string
	callback     func(found bool, proof uint64)
	stop         chan struct{}
	done         chan struct{}
	log          *logrus.Logger
}

// StartPowSearch begins searching a proof for pub. The search resumes from
// the counter in progressFile when the file exists; an unparsable progress
// file is an error (remove the file to restart from zero). The callback runs
// on the search goroutine when the search completes. Starting a second search
// while one is active returns an error.
func StartPowSearch(pub *ecdsa.PublicKey, progressFile string, log *logrus.Logger,
	callback func(found bool, proof uint64)) (*PowSearch, error) {

	if !powSearchActive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("a proof-of-work search is already running")
	}

	der, err := PublicKeyToDER(pub)
	if err != nil {
		powSearchActive.Store(false)
		return nil, err
	}

	var counter uint64
	if _, err := os.Stat(progressFile); err == nil {
		counter, err = powReadProgress(progressFile)
		if err != nil {
			powSearchActive.Store(false)
			return nil, fmt.Errorf("cannot resume proof-of-work from '%s'"+
				" (remove the file to start from scratch): %w", progressFile, err)
		}
		log.Debugf("Resuming proof-of-work search from %d", counter)
	}

	s := &PowSearch{
		pubkeyDER:    string(der),
		progressFile: progressFile,
		callback:     callback,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		log:          log,
	}
	go s.run(counter)
	return s, nil
}

// Stop aborts the search. The completion callback is not invoked for an
// aborted search. Stop is idempotent and waits for the goroutine to exit.
func (s *PowSearch) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *PowSearch) run(counter uint64) {
	defer close(s.done)
	defer powSearchActive.Store(false)

	der := []byte(s.pubkeyDER)
	for {
		// A slice of probes, then a cancellation point. This keeps the
		// search cooperative the way the rest of the node is.
		for probes := 0; probes < powProbesPerSlice; probes++ {
			if CountLeadingZeros(powHash(der, counter)) >= PowRequiredZeros {
				s.log.Debugf("Proof of work found: %d", counter)
				s.finish(true, counter)
				return
			}
			if counter == math.MaxUint64 {
				s.log.Warnf("Failed to find proof of work")
				s.finish(false, 0)
				return
			}
			counter++
		}

		if counter%powProbesBetweenSaves < powProbesPerSlice {
			s.log.Debugf("Saving current PoW counter %d to %s",
				counter, s.progressFile)
			if err := powWriteProgress(s.progressFile, counter); err != nil {
				s.log.Warnf("Failed to save proof-of-work to '%s': %v",
					s.progressFile, err)
			}
		}

		select {
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *PowSearch) finish(found bool, proof uint64) {
	if _, err := os.Stat(s.progressFile); err == nil {
		if err := os.Remove(s.progressFile); err != nil {
			s.log.Errorf("Failed to remove progress file '%s': %v",
				s.progressFile, err)
			found = false
		}
	}
	// Release the process-wide slot before reporting: the callback may want
	// to start another search right away.
	powSearchActive.Store(false)
	s.callback(found, proof)
}

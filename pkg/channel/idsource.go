package channel

import (
	"encoding/binary"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// idSource is the reference identifier scheme for MuxReqChannel (spec §4.G
// "Identifier generation contract"): a 10-byte prefix of (pid, random u16,
// unix seconds) plus a per-channel counter, re-seeded on wraparound.
type idSource struct {
	mu      sync.Mutex
	prefix  [10]byte
	counter uint32
	filter  *bloom.BloomFilter
}

func newIDSource() *idSource {
	s := &idSource{}
	s.reseed()
	return s
}

func (s *idSource) reseed() {
	binary.BigEndian.PutUint32(s.prefix[0:4], uint32(os.Getpid()))
	binary.BigEndian.PutUint16(s.prefix[4:6], uint16(rand.Intn(1<<16)))
	binary.BigEndian.PutUint32(s.prefix[6:10], uint32(time.Now().Unix()))
	s.counter = 0
	s.filter = bloom.NewWithEstimates(10000, 0.001)
}

// next returns an id not currently outstanding. The bloom filter lets the
// common case ("definitely not outstanding") skip the authoritative
// outstanding() lookup; a filter hit falls back to outstanding() to
// confirm, since bloom filters have false positives but never false
// negatives.
func (s *idSource) next(outstanding func(id string) bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.counter == 0xFFFFFFFF {
			s.reseed()
		}
		s.counter++
		var buf [14]byte
		copy(buf[:10], s.prefix[:])
		binary.BigEndian.PutUint32(buf[10:], s.counter)
		id := string(buf[:])
		if s.filter.TestString(id) && outstanding(id) {
			continue
		}
		s.filter.AddString(id)
		return id
	}
}

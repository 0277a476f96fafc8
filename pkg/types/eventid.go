package types

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// EventID is a 128-bit time-ordered event identifier: a 48-bit millisecond
// timestamp followed by 80 random bits. IDs are lexicographically sortable,
// so byte order matches generation order.
type EventID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U to avoid confusion).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// EventID parsing errors.
var (
	ErrInvalidEventIDLength    = errors.New("invalid event ID length")
	ErrInvalidEventIDCharacter = errors.New("invalid event ID character")
)

// EventIDGenerator generates time-ordered event IDs. IDs generated within
// the same millisecond are monotonically increasing.
type EventIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewEventIDGenerator creates a new event ID generator.
func NewEventIDGenerator() *EventIDGenerator {
	return &EventIDGenerator{}
}

// Generate creates a new EventID with the current timestamp.
func (g *EventIDGenerator) Generate() (EventID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new EventID with the specified timestamp.
// Useful for tests and for backfilling historical events.
func (g *EventIDGenerator) GenerateWithTime(t time.Time) (EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := uint64(t.UnixMilli())

	var id EventID

	// Timestamp in big-endian for lexicographic ordering
	id[0] = byte(timestamp >> 40)
	id[1] = byte(timestamp >> 32)
	id[2] = byte(timestamp >> 24)
	id[3] = byte(timestamp >> 16)
	id[4] = byte(timestamp >> 8)
	id[5] = byte(timestamp)

	if timestamp == g.lastTimestamp {
		// Same millisecond: bump the random component to stay monotonic
		g.incrementRandom()
		copy(id[6:], g.lastRandom[:])
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return EventID{}, err
		}
		copy(id[6:], g.lastRandom[:])
		g.lastTimestamp = timestamp
	}

	return id, nil
}

// incrementRandom increments the random component as a big-endian 80-bit integer.
func (g *EventIDGenerator) incrementRandom() {
	for i := 9; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			break
		}
	}
}

// Bytes returns the EventID as a byte slice.
func (id EventID) Bytes() []byte {
	return id[:]
}

// Timestamp returns the timestamp component as Unix milliseconds.
func (id EventID) Timestamp() uint64 {
	return uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
}

// Time returns the timestamp component as a time.Time.
func (id EventID) Time() time.Time {
	return time.UnixMilli(int64(id.Timestamp()))
}

// Compare compares two EventIDs lexicographically.
// Returns -1 if id < other, 0 if equal, 1 if id > other.
func (id EventID) Compare(other EventID) int {
	for i := 0; i < 16; i++ {
		if id[i] < other[i] {
			return -1
		}
		if id[i] > other[i] {
			return 1
		}
	}
	return 0
}

// IsZero reports whether the ID is the zero value.
func (id EventID) IsZero() bool {
	return id == EventID{}
}

// String returns the EventID as a 26-character Crockford Base32 string.
func (id EventID) String() string {
	var buf [26]byte

	// Timestamp: 48 bits -> 10 characters
	buf[0] = crockfordBase32[(id[0]&224)>>5]
	buf[1] = crockfordBase32[id[0]&31]
	buf[2] = crockfordBase32[(id[1]&248)>>3]
	buf[3] = crockfordBase32[((id[1]&7)<<2)|((id[2]&192)>>6)]
	buf[4] = crockfordBase32[(id[2]&62)>>1]
	buf[5] = crockfordBase32[((id[2]&1)<<4)|((id[3]&240)>>4)]
	buf[6] = crockfordBase32[((id[3]&15)<<1)|((id[4]&128)>>7)]
	buf[7] = crockfordBase32[(id[4]&124)>>2]
	buf[8] = crockfordBase32[((id[4]&3)<<3)|((id[5]&224)>>5)]
	buf[9] = crockfordBase32[id[5]&31]

	// Random: 80 bits -> 16 characters
	buf[10] = crockfordBase32[(id[6]&248)>>3]
	buf[11] = crockfordBase32[((id[6]&7)<<2)|((id[7]&192)>>6)]
	buf[12] = crockfordBase32[(id[7]&62)>>1]
	buf[13] = crockfordBase32[((id[7]&1)<<4)|((id[8]&240)>>4)]
	buf[14] = crockfordBase32[((id[8]&15)<<1)|((id[9]&128)>>7)]
	buf[15] = crockfordBase32[(id[9]&124)>>2]
	buf[16] = crockfordBase32[((id[9]&3)<<3)|((id[10]&224)>>5)]
	buf[17] = crockfordBase32[id[10]&31]
	buf[18] = crockfordBase32[(id[11]&248)>>3]
	buf[19] = crockfordBase32[((id[11]&7)<<2)|((id[12]&192)>>6)]
	buf[20] = crockfordBase32[(id[12]&62)>>1]
	buf[21] = crockfordBase32[((id[12]&1)<<4)|((id[13]&240)>>4)]
	buf[22] = crockfordBase32[((id[13]&15)<<1)|((id[14]&128)>>7)]
	buf[23] = crockfordBase32[(id[14]&124)>>2]
	buf[24] = crockfordBase32[((id[14]&3)<<3)|((id[15]&224)>>5)]
	buf[25] = crockfordBase32[id[15]&31]

	return string(buf[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEventID parses a 26-character Crockford Base32 string into an EventID.
func ParseEventID(s string) (EventID, error) {
	if len(s) != 26 {
		return EventID{}, ErrInvalidEventIDLength
	}

	var id EventID
	var dec [26]byte

	for i := 0; i < 26; i++ {
		idx := decodeBase32(s[i])
		if idx == 0xFF {
			return EventID{}, ErrInvalidEventIDCharacter
		}
		dec[i] = idx
	}

	// Timestamp: 10 characters -> 48 bits
	id[0] = (dec[0] << 5) | dec[1]
	id[1] = (dec[2] << 3) | (dec[3] >> 2)
	id[2] = (dec[3] << 6) | (dec[4] << 1) | (dec[5] >> 4)
	id[3] = (dec[5] << 4) | (dec[6] >> 1)
	id[4] = (dec[6] << 7) | (dec[7] << 2) | (dec[8] >> 3)
	id[5] = (dec[8] << 5) | dec[9]

	// Random: 16 characters -> 80 bits
	id[6] = (dec[10] << 3) | (dec[11] >> 2)
	id[7] = (dec[11] << 6) | (dec[12] << 1) | (dec[13] >> 4)
	id[8] = (dec[13] << 4) | (dec[14] >> 1)
	id[9] = (dec[14] << 7) | (dec[15] << 2) | (dec[16] >> 3)
	id[10] = (dec[16] << 5) | dec[17]
	id[11] = (dec[18] << 3) | (dec[19] >> 2)
	id[12] = (dec[19] << 6) | (dec[20] << 1) | (dec[21] >> 4)
	id[13] = (dec[21] << 4) | (dec[22] >> 1)
	id[14] = (dec[22] << 7) | (dec[23] << 2) | (dec[24] >> 3)
	id[15] = (dec[24] << 5) | dec[25]

	return id, nil
}

// decodeBase32 decodes a single Crockford Base32 character.
// Returns 0xFF for invalid characters.
func decodeBase32(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c >= 'J' && c <= 'K':
		return c - 'J' + 18
	case c >= 'M' && c <= 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	case c >= 'a' && c <= 'h':
		return c - 'a' + 10
	case c >= 'j' && c <= 'k':
		return c - 'j' + 18
	case c >= 'm' && c <= 'n':
		return c - 'm' + 20
	case c >= 'p' && c <= 't':
		return c - 'p' + 22
	case c >= 'v' && c <= 'z':
		return c - 'v' + 27
	default:
		return 0xFF
	}
}

package trade

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu   sync.Mutex
	idMono io.Reader
)

func init() {
	// ulid.Monotonic keeps IDs minted within the same millisecond increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	idMono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewTransactionID returns a time-sortable transaction ID for at.
func NewTransactionID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()

	// Fails only if the monotonic entropy overflows within one millisecond.
	return ulid.MustNew(ulid.Timestamp(at), idMono).String()
}

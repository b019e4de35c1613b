package workerpool

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// chainPollInterval bounds how often AwaitChainedCall re-checks the
// result key while waiting.
const chainPollInterval = 20 * time.Millisecond

// newGID mints a fresh numeric invocation id for FunctionId.ResultKey.
// Result keys only need to be collision-free, not ordered, so folding a
// random UUID down to 64 bits is sufficient.
func newGID() (uint64, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return 0, err
	}
	b := id[:]
	return binary.BigEndian.Uint64(b[:8]) ^ binary.BigEndian.Uint64(b[8:]), nil
}

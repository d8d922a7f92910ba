package util

import (
	"io"

	ferrors "fanrelay/internal/errors"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// MaxDatagramSize is large enough for any UDP payload.
const MaxDatagramSize = 64 * 1024

// Discard reads from r and throws the bytes away until r returns an
// error.  Closed-connection errors are reported as nil.  It returns the
// number of bytes discarded.
func Discard(r io.Reader) (int64, error) {
	buf := BufPool.Get()
	defer BufPool.Put(buf)

	var total int64
	for {
		n, err := r.Read(*buf)
		total += int64(n)
		if err != nil {
			if ferrors.IsClosed(err) {
				return total, nil
			}
			return total, err
		}
	}
}

// Clone returns a copy of b that does not alias any pooled buffer.
func Clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

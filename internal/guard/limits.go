package guard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hermesosint/hermes/internal/domain"
)

const chunkSize = 8 << 10

// CheckContentLength reports whether the declared Content-Length is within
// max. A missing header passes; a malformed one does not.
func CheckContentLength(h http.Header, max int64) bool {
	v := strings.TrimSpace(h.Get("Content-Length"))
	if v == "" {
		return true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return false
	}
	return n <= max
}

// ReadLimited reads r in fixed-size chunks and stops as soon as the running
// total crosses max, whatever the server declared. The returned error wraps
// domain.ErrSizeExceeded in that case.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > max {
				return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrSizeExceeded, max)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Flusher is the optional flush surface of a relay destination. The HTTP
// response writer implements it; plain writers in tests do not need to.
type Flusher interface {
	Flush()
}

// Relay fetches url with the given request headers and copies the body to
// dst in fixed-size chunks, flushing after each one. It checks ctx between
// chunks, so a client disconnect stops the transfer within one chunk. The
// returned count is the number of bytes written before completion or
// interruption.
func Relay(ctx context.Context, client *http.Client, url string, headers map[string]string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	flusher, _ := dst.(Flusher)
	buf := make([]byte, DefaultChunkSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, fmt.Errorf("write to client: %w", writeErr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read upstream body: %w", readErr)
		}
	}
}

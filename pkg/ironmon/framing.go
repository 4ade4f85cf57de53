// Package ironmon ingests the emulator plugin's TCP stream: length-prefixed
// JSON messages describing run progress. It keeps run/checkpoint records,
// a KV snapshot for late-joining consumers, and publishes the stream on
// the bus.
package ironmon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameBytes bounds one message. The plugin sends small JSON blobs;
// anything larger means the stream is corrupt.
const maxFrameBytes = 64 * 1024

// readFrame reads one "<ASCII decimal length> <JSON body>" frame.
func readFrame(r *bufio.Reader) (json.RawMessage, error) {
	prefix, err := r.ReadString(' ')
	if err != nil {
		return nil, err
	}

	n, err := strconv.Atoi(strings.TrimSuffix(prefix, " "))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid frame length %q", strings.TrimSpace(prefix))
	}
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("truncated frame: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("frame body is not valid JSON")
	}
	return body, nil
}

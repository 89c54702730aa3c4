package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"crm-copilot/internal/domain"
)

// maxSSELine bounds a single SSE line; tool arguments can be long.
const maxSSELine = 1024 * 1024

// errSkip tells parseSSEStream to drop a line without emitting a delta.
var errSkip = errors.New("skip")

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using the provider-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled. A broken stream ends with a delta carrying Err.
func parseSSEStream(ctx context.Context, provider string, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		emit := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				emit(domain.StreamDelta{Done: true, Err: ctx.Err()})
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				emit(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if errors.Is(err, errSkip) || (err == nil && delta == nil) {
				continue
			}
			if err != nil {
				var pe *domain.ProviderError
				if !errors.As(err, &pe) {
					// Unparseable lines are skipped; only provider errors end the stream.
					continue
				}
				emit(domain.StreamDelta{Done: true, Err: err})
				return
			}
			if !emit(*delta) || delta.Done {
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		emit(domain.StreamDelta{Done: true, Err: classifyTransportError(provider, fmt.Errorf("stream ended: %w", err))})
	}()
	return ch
}

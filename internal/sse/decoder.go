package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	readSize     = 4 << 10
)

// Decoder accumulates the payloads of newline-delimited "data:" records.
// Only complete lines are processed. A partial trailing line waits for the
// next chunk and is discarded if the stream ends first.
type Decoder struct {
	// OnData receives each payload as it is decoded.
	OnData func(string)

	line   strings.Builder
	text   strings.Builder
	events int
}

func NewDecoder(onData func(string)) *Decoder {
	return &Decoder{OnData: onData}
}

// Write implements io.Writer so a decoder can sit behind io.Copy or a tee.
func (d *Decoder) Write(chunk []byte) (int, error) {
	d.Feed(chunk)
	return len(chunk), nil
}

// Feed decodes one chunk of the stream.
func (d *Decoder) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	// Lines are assembled from raw bytes, so a rune split across chunks is
	// rejoined before it is converted to text.
	data := chunk
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			d.line.Write(data)
			return
		}
		d.line.Write(data[:idx])
		d.processLine(d.line.String())
		d.line.Reset()
		data = data[idx+1:]
	}
}

// Close drops any unterminated final line and returns the accumulated text.
func (d *Decoder) Close() string {
	d.line.Reset()
	return d.text.String()
}

// String returns the text accumulated so far.
func (d *Decoder) String() string {
	return d.text.String()
}

// Events returns the number of payloads appended.
func (d *Decoder) Events() int {
	return d.events
}

func (d *Decoder) processLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" || payload == doneSentinel {
		return
	}
	d.text.WriteString(payload)
	d.events++
	if d.OnData != nil {
		d.OnData(payload)
	}
}

// ReadAll decodes r until EOF. On cancellation it returns the text decoded
// so far together with ctx.Err().
func ReadAll(ctx context.Context, r io.Reader, onData func(string)) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	decoder := NewDecoder(onData)
	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return decoder.String(), err
		}
		n, err := r.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return decoder.Close(), nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return decoder.String(), ctxErr
			}
			return decoder.String(), err
		}
	}
}

// IsDataLine reports whether a raw line carries a payload record.
func IsDataLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), dataPrefix)
}

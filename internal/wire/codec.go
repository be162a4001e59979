package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxControlFrame bounds the control envelope payload size.
const DefaultMaxControlFrame = 1 << 20 // 1 MiB

// Encoder writes control envelopes to a stream. Safe for concurrent use;
// each envelope is emitted as a single buffered write.
type Encoder struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame uint32
}

// NewEncoder creates an Encoder with the default frame limit.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, maxFrame: DefaultMaxControlFrame}
}

// Encode marshals m and writes it as one length-prefixed envelope.
func (e *Encoder) Encode(m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if uint32(len(payload)) > e.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Decoder reads control envelopes from a stream, accumulating partial reads
// until a whole frame is available.
type Decoder struct {
	r        io.Reader
	maxFrame uint32
}

// NewDecoder creates a Decoder with the default frame limit.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxFrame: DefaultMaxControlFrame}
}

// SetMaxFrame overrides the payload size limit.
func (d *Decoder) SetMaxFrame(n uint32) { d.maxFrame = n }

// Decode reads the next envelope and returns the decoded message.
// io.EOF is returned verbatim on a clean close between envelopes; a close
// mid-frame yields ErrTruncatedFrame. An oversize length yields
// ErrFrameTooLarge without consuming the payload.
func (d *Decoder) Decode() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length: %v", ErrTruncatedFrame, err)
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > d.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrTruncatedFrame, err)
	}

	return Unmarshal(payload)
}

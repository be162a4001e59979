package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is the fixed data-frame header length.
const FrameHeaderSize = 12

// DefaultMaxFramePayload bounds a single data frame's payload.
const DefaultMaxFramePayload = 16 << 20 // 16 MiB

// DataFrame is one unit on the data channel in framed mode.
// Wire format: [u32 LE length][u64 LE seq][payload].
type DataFrame struct {
	Seq     uint64
	Payload []byte
}

// AppendFrame appends the wire encoding of f to dst and returns the result.
func AppendFrame(dst []byte, f *DataFrame) []byte {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], f.Seq)
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// WriteFrame writes f to w as a single write (header + payload in one
// buffer), keeping the frame atomic from the source's perspective.
func WriteFrame(w io.Writer, f *DataFrame) error {
	buf := AppendFrame(make([]byte, 0, FrameHeaderSize+len(f.Payload)), f)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame seq=%d: %w", f.Seq, err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r: 12 header bytes, then exactly
// length payload bytes. io.EOF is returned verbatim on a clean close at a
// frame boundary; mid-frame EOF yields ErrTruncatedFrame.
func ReadFrame(r io.Reader) (*DataFrame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading header: %v", ErrTruncatedFrame, err)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length > DefaultMaxFramePayload {
		return nil, fmt.Errorf("%w: frame payload %d bytes", ErrPayloadLimit, length)
	}

	f := &DataFrame{
		Seq:     binary.LittleEndian.Uint64(hdr[4:12]),
		Payload: make([]byte, length),
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrTruncatedFrame, err)
	}
	return f, nil
}

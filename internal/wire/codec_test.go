package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(Connect{Capabilities: []string{"pty"}}))
	require.NoError(t, enc.Encode(Subscribe{Target: "77-001"}))
	require.NoError(t, enc.Encode(Disconnect{}))

	dec := NewDecoder(&buf)

	m1, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Connect{Capabilities: []string{"pty"}}, m1)

	m2, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Subscribe{Target: "77-001"}, m2)

	m3, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Disconnect{}, m3)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

// onebyte forces the decoder to accumulate partial reads.
type onebyte struct{ r io.Reader }

func (o onebyte) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestDecoderAccumulatesPartialReads(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(ConnectAck{ToolID: "9-001", DataListenAddress: "unix:///tmp/gbe-9-001.sock"}))

	dec := NewDecoder(onebyte{&buf})
	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "9-001", m.(ConnectAck).ToolID)
}

func TestDecoderOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], DefaultMaxControlFrame+1)
	buf.Write(lenBuf[:])

	dec := NewDecoder(&buf)
	_, err := dec.Decode()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString(`{"type":"Disc`) // cut off mid-frame

	dec := NewDecoder(&buf)
	_, err := dec.Decode()
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestEncoderRefusesOversize(t *testing.T) {
	enc := NewEncoder(io.Discard)
	enc.maxFrame = 16
	err := enc.Encode(ErrorMsg{Code: CodeInvalidState, Message: "this message does not fit in sixteen bytes"})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

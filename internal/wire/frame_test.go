package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWireLayout(t *testing.T) {
	f := &DataFrame{Seq: 100, Payload: []byte("test")}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	b := buf.Bytes()
	require.Len(t, b, FrameHeaderSize+4)
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(b[4:12]))
	assert.Equal(t, []byte("test"), b[12:])
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint64(0); seq < 5; seq++ {
		require.NoError(t, WriteFrame(&buf, &DataFrame{Seq: seq, Payload: []byte{byte('a' + seq)}}))
	}

	for seq := uint64(0); seq < 5; seq++ {
		f, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, seq, f.Seq)
		assert.Equal(t, []byte{byte('a' + seq)}, f.Payload)
	}

	_, err := ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &DataFrame{Seq: 7}))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Seq)
	assert.Empty(t, f.Payload)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &DataFrame{Seq: 1, Payload: []byte("hello world")}))
	short := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := ReadFrame(short)
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}))
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

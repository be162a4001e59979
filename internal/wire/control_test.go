package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMarshalTagsEveryVariant(t *testing.T) {
	msgs := []Message{
		Connect{Capabilities: []string{"pty", "color"}},
		ConnectAck{ToolID: "12345-001", DataListenAddress: "unix:///tmp/gbe-12345-001.sock"},
		Disconnect{},
		Subscribe{Target: "12345-002"},
		SubscribeAck{DataConnectAddress: "unix:///tmp/gbe-proxy-x.sock", Capabilities: []string{"raw"}},
		Unsubscribe{Target: "12345-002"},
		FlowControl{Source: "12345-001", Status: StatusBackpressure},
		QueryCapabilities{Target: "12345-001"},
		CapabilitiesResponse{Capabilities: []string{"pty"}},
		QueryTools{},
		ToolsResponse{Tools: []ToolInfo{{ToolID: "12345-001", Capabilities: []string{"raw"}}}},
		Input{Data: []byte("ls -la\n")},
		ErrorMsg{Code: CodeUnknownTool, Message: "no such tool"},
	}

	for _, m := range msgs {
		payload, err := Marshal(m)
		require.NoError(t, err, "marshal %s", m.Tag())
		assert.Equal(t, m.Tag(), gjson.GetBytes(payload, "type").String())

		back, err := Unmarshal(payload)
		require.NoError(t, err, "unmarshal %s", m.Tag())
		assert.Equal(t, m, back)
	}
}

func TestUnmarshalUnknownTag(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"Bogus","x":1}`))
	require.ErrorIs(t, err, ErrUnknownVariant)
}

func TestUnmarshalMissingTag(t *testing.T) {
	_, err := Unmarshal([]byte(`{"capabilities":[]}`))
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestCapabilitiesRoundTripVerbatim(t *testing.T) {
	caps := []string{"raw", "pty", "color", "weird-token_42"}
	payload, err := Marshal(Connect{Capabilities: caps})
	require.NoError(t, err)

	back, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, caps, back.(Connect).Capabilities)
}

func TestAddressRoundTripVerbatim(t *testing.T) {
	addr := "unix:///tmp/gbe-proxy-99999-001-0a1b2c3d.sock"
	payload, err := Marshal(SubscribeAck{DataConnectAddress: addr, Capabilities: []string{}})
	require.NoError(t, err)

	back, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, addr, back.(SubscribeAck).DataConnectAddress)
}

// Package wire implements the GBE wire formats: the length-prefixed,
// self-describing control envelope and the binary data frame.
//
// Control messages travel as a 4-byte little-endian payload length followed
// by a JSON object tagged with a "type" field. Data frames travel as
// [u32 LE length][u64 LE seq][payload] in framed mode, or as an opaque byte
// stream in raw mode.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToolID identifies a tool within one broker lifetime ("<pid>-<seq>").
type ToolID = string

// Message is a control-channel message. Each variant is self-describing on
// the wire via its type tag.
type Message interface {
	// Tag returns the wire tag for the variant.
	Tag() string
}

// Connect is sent by a tool as the first message on a new control link.
type Connect struct {
	Capabilities []string `json:"capabilities"`
}

// ConnectAck assigns the tool its identity and data-listen address.
type ConnectAck struct {
	ToolID            ToolID `json:"tool_id"`
	DataListenAddress string `json:"data_listen_address"`
}

// Disconnect announces orderly teardown of the sender.
type Disconnect struct{}

// Subscribe requests a data-connect address for the target tool's stream.
type Subscribe struct {
	Target ToolID `json:"target"`
}

// SubscribeAck carries the address to read from and the upstream's
// capabilities, propagated verbatim.
type SubscribeAck struct {
	DataConnectAddress string   `json:"data_connect_address"`
	Capabilities       []string `json:"capabilities"`
}

// Unsubscribe withdraws a subscription. No ack variant exists.
type Unsubscribe struct {
	Target ToolID `json:"target"`
}

// FlowControl is reported by a proxy observing downstream write pressure.
// Status is one of StatusBackpressure or StatusFlowing.
type FlowControl struct {
	Source ToolID `json:"source"`
	Status string `json:"status"`
}

// FlowControl status values.
const (
	StatusBackpressure = "backpressure"
	StatusFlowing      = "flowing"
)

// QueryCapabilities asks for the target's capability set.
type QueryCapabilities struct {
	Target ToolID `json:"target"`
}

// CapabilitiesResponse answers QueryCapabilities.
type CapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

// QueryTools asks for all connected tools.
type QueryTools struct{}

// ToolInfo describes one connected tool.
type ToolInfo struct {
	ToolID       ToolID   `json:"tool_id"`
	Capabilities []string `json:"capabilities"`
}

// ToolsResponse answers QueryTools.
type ToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}

// Input carries bytes destined for a tool's child stdin. Target names the
// tool when the message is broker-bound; the broker strips it before
// forwarding, so on a tool's control link only Data is set.
type Input struct {
	Target ToolID `json:"target,omitempty"`
	Data   []byte `json:"data"`
}

// ErrorMsg reports a protocol or operational error on the control link.
type ErrorMsg struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (Connect) Tag() string              { return "Connect" }
func (ConnectAck) Tag() string           { return "ConnectAck" }
func (Disconnect) Tag() string           { return "Disconnect" }
func (Subscribe) Tag() string            { return "Subscribe" }
func (SubscribeAck) Tag() string         { return "SubscribeAck" }
func (Unsubscribe) Tag() string          { return "Unsubscribe" }
func (FlowControl) Tag() string          { return "FlowControl" }
func (QueryCapabilities) Tag() string    { return "QueryCapabilities" }
func (CapabilitiesResponse) Tag() string { return "CapabilitiesResponse" }
func (QueryTools) Tag() string           { return "QueryTools" }
func (ToolsResponse) Tag() string        { return "ToolsResponse" }
func (Input) Tag() string                { return "Input" }
func (ErrorMsg) Tag() string             { return "Error" }

// Marshal encodes a message as its tagged JSON envelope payload.
func Marshal(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Tag(), err)
	}
	tagged, err := sjson.SetBytes(body, "type", m.Tag())
	if err != nil {
		return nil, fmt.Errorf("tag %s: %w", m.Tag(), err)
	}
	return tagged, nil
}

// Unmarshal decodes a tagged JSON envelope payload into its variant.
// An unrecognized tag yields ErrUnknownVariant; the payload itself was
// consumed whole, so the link remains framed.
func Unmarshal(payload []byte) (Message, error) {
	tag := gjson.GetBytes(payload, "type")
	if !tag.Exists() {
		return nil, fmt.Errorf("%w: missing type tag", ErrBadHeader)
	}

	var (
		m   Message
		err error
	)
	switch tag.String() {
	case "Connect":
		m, err = decode[Connect](payload)
	case "ConnectAck":
		m, err = decode[ConnectAck](payload)
	case "Disconnect":
		m, err = decode[Disconnect](payload)
	case "Subscribe":
		m, err = decode[Subscribe](payload)
	case "SubscribeAck":
		m, err = decode[SubscribeAck](payload)
	case "Unsubscribe":
		m, err = decode[Unsubscribe](payload)
	case "FlowControl":
		m, err = decode[FlowControl](payload)
	case "QueryCapabilities":
		m, err = decode[QueryCapabilities](payload)
	case "CapabilitiesResponse":
		m, err = decode[CapabilitiesResponse](payload)
	case "QueryTools":
		m, err = decode[QueryTools](payload)
	case "ToolsResponse":
		m, err = decode[ToolsResponse](payload)
	case "Input":
		m, err = decode[Input](payload)
	case "Error":
		m, err = decode[ErrorMsg](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, tag.String())
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decode[T Message](payload []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.Tag(), err)
	}
	return v, nil
}

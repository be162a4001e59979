package broker

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/logger"
	"github.com/standardbeagle/gbe/internal/wire"
)

// session owns one control link. The read loop is strictly ordered: a
// request's response is written before the next request is parsed. Writes
// are locked so pushed messages (Input forwarding, drain Disconnects) can
// interleave safely with responses.
type session struct {
	id     int64
	conn   net.Conn
	broker *Broker
	log    logger.Logger

	dec *wire.Decoder
	enc *wire.Encoder

	mu     sync.Mutex
	closed bool

	// toolID is set once this link completes a Connect.
	toolID wire.ToolID
}

func newSession(id int64, conn net.Conn, b *Broker) *session {
	dec := wire.NewDecoder(conn)
	dec.SetMaxFrame(b.config.MaxControlFrame)
	return &session{
		id:     id,
		conn:   conn,
		broker: b,
		log:    b.log.With("client", id),
		dec:    dec,
		enc:    wire.NewEncoder(conn),
	}
}

// handle processes control messages until the link closes.
func (s *session) handle() {
	defer s.teardown()

	for {
		msg, err := s.dec.Decode()
		if err != nil {
			switch {
			case err == io.EOF || isClosedErr(err):
				return
			case errors.Is(err, wire.ErrFrameTooLarge):
				s.send(wire.ErrorMsg{Code: wire.CodeFrameTooLarge, Message: err.Error()})
				return
			case errors.Is(err, wire.ErrUnknownVariant):
				// Consumed whole, so the Error goes out on an intact frame
				// boundary; the link is then closed like any codec error.
				s.send(wire.ErrorMsg{Code: wire.CodeUnknownVariant, Message: err.Error()})
				return
			case errors.Is(err, wire.ErrBadHeader):
				s.send(wire.ErrorMsg{Code: wire.CodeBadHeader, Message: err.Error()})
				return
			default:
				s.send(wire.ErrorMsg{Code: wire.CodeTruncatedFrame, Message: err.Error()})
				return
			}
		}

		if !s.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one message; false ends the session.
func (s *session) dispatch(msg wire.Message) bool {
	switch m := msg.(type) {
	case wire.Connect:
		return s.handleConnect(m)
	case wire.Subscribe:
		s.handleSubscribe(m)
	case wire.Unsubscribe:
		s.handleUnsubscribe(m)
	case wire.QueryCapabilities:
		s.handleQueryCapabilities(m)
	case wire.QueryTools:
		s.send(wire.ToolsResponse{Tools: s.broker.reg.listTools()})
	case wire.FlowControl:
		s.handleFlowControl(m)
	case wire.Input:
		s.handleInput(m)
	case wire.ErrorMsg:
		// Peers (proxies included) may surface operational errors.
		s.log.Warn("peer reported error", "code", string(m.Code), "message", m.Message)
	case wire.Disconnect:
		return false
	default:
		s.send(wire.ErrorMsg{
			Code:    wire.CodeInvalidState,
			Message: m.Tag() + " is not valid on a broker control link",
		})
	}
	return true
}

func (s *session) handleConnect(m wire.Connect) bool {
	if s.broker.draining.Load() {
		s.send(wire.ErrorMsg{Code: wire.CodeNotReady, Message: "broker is shutting down"})
		return false
	}
	if s.toolID != "" {
		// Fatal for the link.
		s.send(wire.ErrorMsg{Code: wire.CodeDuplicateConnect, Message: "already connected as " + s.toolID})
		return false
	}

	caps := m.Capabilities
	if caps == nil {
		caps = []string{}
	}

	id := s.broker.alloc.NewID()
	addr := s.broker.alloc.AddressFor(id)
	s.broker.reg.addTool(&ToolRecord{
		ID:           id,
		Address:      addr,
		Capabilities: caps,
		sess:         s,
	})
	s.toolID = id
	s.log = s.log.With("tool", id)

	s.log.Info("tool connected", "address", addr, "capabilities", caps)
	s.send(wire.ConnectAck{ToolID: id, DataListenAddress: addr})
	return true
}

func (s *session) handleSubscribe(m wire.Subscribe) {
	if s.toolID == "" {
		s.send(wire.ErrorMsg{Code: wire.CodeNotReady, Message: "Subscribe before Connect"})
		return
	}

	target, ok := s.broker.reg.tool(m.Target)
	if !ok {
		s.send(wire.ErrorMsg{Code: wire.CodeUnknownTool, Message: "tool " + m.Target + " not found"})
		return
	}

	// Re-subscribing is idempotent: answer with the live proxy address
	// without growing the subscriber count.
	resub := s.broker.reg.subscribed(s.toolID, m.Target)

	rec, err := s.broker.proxyForSubscribe(target)
	if err != nil {
		s.log.Warn("proxy startup failed", "target", m.Target, "error", err.Error())
		s.send(wire.ErrorMsg{Code: wire.CodeUpstreamUnavailable, Message: err.Error()})
		return
	}

	if !resub {
		rec.subscribers.Add(1)
		s.broker.reg.addSubscription(s.toolID, m.Target)
	}

	s.log.Info("subscribed", "target", m.Target, "proxy", rec.addr)
	s.send(wire.SubscribeAck{DataConnectAddress: rec.addr, Capabilities: target.Capabilities})
}

func (s *session) handleUnsubscribe(m wire.Unsubscribe) {
	if s.toolID == "" {
		s.send(wire.ErrorMsg{Code: wire.CodeNotReady, Message: "Unsubscribe before Connect"})
		return
	}
	if !s.broker.reg.dropSubscription(s.toolID, m.Target) {
		s.send(wire.ErrorMsg{Code: wire.CodeInvalidState, Message: "no subscription to " + m.Target})
		return
	}

	s.log.Info("unsubscribed", "target", m.Target)
	s.broker.releaseProxySubscriber(m.Target)
	// No ack variant exists for Unsubscribe.
}

func (s *session) handleQueryCapabilities(m wire.QueryCapabilities) {
	target, ok := s.broker.reg.tool(m.Target)
	if !ok {
		s.send(wire.ErrorMsg{Code: wire.CodeUnknownTool, Message: "tool " + m.Target + " not found"})
		return
	}
	s.send(wire.CapabilitiesResponse{Capabilities: target.Capabilities})
}

func (s *session) handleFlowControl(m wire.FlowControl) {
	rec, ok := s.broker.reg.proxyFor(m.Source)
	if !ok {
		s.send(wire.ErrorMsg{Code: wire.CodeInvalidState, Message: "no proxy for " + m.Source})
		return
	}
	rec.setFlowStatus(m.Status)

	if m.Status == wire.StatusBackpressure {
		s.log.Warn("flow control", "source", m.Source, "status", m.Status)
	} else {
		s.log.Info("flow control", "source", m.Source, "status", m.Status)
	}
}

// handleInput routes control-plane input to the target tool's child stdin.
func (s *session) handleInput(m wire.Input) {
	if s.toolID == "" {
		s.send(wire.ErrorMsg{Code: wire.CodeNotReady, Message: "Input before Connect"})
		return
	}
	target, ok := s.broker.reg.tool(m.Target)
	if !ok {
		s.send(wire.ErrorMsg{Code: wire.CodeUnknownTool, Message: "tool " + m.Target + " not found"})
		return
	}
	if target.sess == nil || !target.sess.send(wire.Input{Data: m.Data}) {
		s.send(wire.ErrorMsg{Code: wire.CodeInvalidState, Message: "tool " + m.Target + " not accepting input"})
	}
}

// send writes a message, reporting success. Write failures mark the link
// closed; the read loop then unwinds on its next decode.
func (s *session) send(m wire.Message) bool {
	if e, ok := m.(wire.ErrorMsg); ok {
		s.log.Warn("sending error", "code", string(e.Code), "message", e.Message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if err := s.enc.Encode(m); err != nil {
		s.closed = true
		return false
	}
	return true
}

// close shuts the link down, unblocking the read loop.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
}

// teardown runs when the link ends for any reason: control-link EOF and an
// explicit Disconnect take the same path.
func (s *session) teardown() {
	s.close()

	if s.toolID == "" {
		return
	}

	rec, ownProxy, targets := s.broker.reg.removeTool(s.toolID)

	// The upstream is gone; its proxy has nothing left to serve.
	if ownProxy != nil {
		s.broker.stopProxyProcess(ownProxy)
	}

	// Release this tool's subscriptions to other streams.
	for _, target := range targets {
		s.broker.releaseProxySubscriber(target)
	}

	// The adapter unlinks its own socket on orderly exit; reclaim it here
	// when the tool died without cleaning up.
	if rec != nil {
		address.Unlink(rec.Address)
	}

	s.log.Info("tool disconnected")
}

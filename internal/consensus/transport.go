package consensus

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Publication is the outbound channel to a single consensus endpoint
// (spec.md §3 "consensusPublication", §4.2). A Publication is rotated
// whenever the endpoint cursor advances.
type Publication interface {
	// Connected reports whether the publication is ready to send. Offer
	// before Connected is true is a programmer error in the agent and will
	// return an error.
	Connected() bool
	// Offer sends one message. Non-blocking: returns (false, nil) if the
	// underlying socket's send buffer is momentarily full rather than
	// blocking the agent's duty cycle.
	Offer(payload []byte) (bool, error)
	Close() error
}

// Subscription is the inbound channel the agent polls each duty cycle
// (spec.md §3 "consensusSubscription", §4.1 step 4). Its lifetime is the
// agent's lifetime — it is never rotated.
type Subscription interface {
	// Poll reads up to fragmentLimit pending datagrams, invoking handler
	// with each payload (header included), and returns the number
	// processed. Never blocks: returns 0 immediately if nothing is pending.
	Poll(fragmentLimit int, handler func(payload []byte)) (int, error)
	Close() error
}

// ParseEndpoint extracts the "endpoint=host:port" component of a channel
// string (spec.md §6 "Archive channel strings" describes the same
// minimal-URI convention for archive channels; the consensus channel uses
// it identically).
func ParseEndpoint(channel string) (string, error) {
	for _, part := range strings.Split(channel, "|") {
		if v, ok := strings.CutPrefix(part, "endpoint="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("consensus: channel %q has no endpoint= component", channel)
}

// udpPublication is a best-effort UDP-backed Publication. Aeron's real
// consensus transport is UDP; this is the minimal, faithful stand-in for
// the external wire-protocol collaborator spec.md §1 calls out as
// assumed-correct — see DESIGN.md.
type udpPublication struct {
	conn *net.UDPConn
}

// NewPublication dials a UDP publication to the given channel string.
// UDP is connectionless, so "connected" here means the local socket and
// destination address resolved successfully, not that a peer acknowledged
// anything — consistent with the agent's own non-blocking expectations.
func NewPublication(channel string) (Publication, error) {
	endpoint, err := ParseEndpoint(channel)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to resolve %q: %w", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to dial %q: %w", endpoint, err)
	}
	return &udpPublication{conn: conn}, nil
}

func (p *udpPublication) Connected() bool {
	return p.conn != nil
}

func (p *udpPublication) Offer(payload []byte) (bool, error) {
	if p.conn == nil {
		return false, fmt.Errorf("consensus: publication not connected")
	}
	// A zero deadline write could block indefinitely on a full kernel
	// buffer; give it a token budget instead of blocking the duty cycle.
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Millisecond))
	if _, err := p.conn.Write(payload); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, fmt.Errorf("consensus: offer failed: %w", err)
	}
	return true, nil
}

func (p *udpPublication) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// udpSubscription is the Subscription counterpart of udpPublication.
type udpSubscription struct {
	conn *net.UDPConn
}

// NewSubscription binds a UDP subscription to the given channel string.
func NewSubscription(channel string) (Subscription, error) {
	endpoint, err := ParseEndpoint(channel)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to resolve %q: %w", endpoint, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("consensus: failed to listen on %q: %w", endpoint, err)
	}
	return &udpSubscription{conn: conn}, nil
}

func (s *udpSubscription) Poll(fragmentLimit int, handler func(payload []byte)) (int, error) {
	if s.conn == nil {
		return 0, fmt.Errorf("consensus: subscription closed")
	}
	buf := make([]byte, 64*1024)
	processed := 0
	for processed < fragmentLimit {
		_ = s.conn.SetReadDeadline(time.Now())
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return processed, fmt.Errorf("consensus: poll failed: %w", err)
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(payload)
		processed++
	}
	return processed, nil
}

func (s *udpSubscription) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

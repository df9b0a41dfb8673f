// Package sol implements the Serial-Over-LAN sub-protocol layered on an
// established ipmicore.Session: outbound byte buffering,
// sequence/ack framing, partial retry and NACK handling, and delivery of
// inbound bytes to a consumer-supplied sink.
package sol

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ipmicore/ipmicore"
	"github.com/ipmicore/ipmicore/internal/wire"
)

const (
	payloadTypeSOLValue = 1
	payloadInstance     = 1
	solChannel          = 0xc0 // type 1, encrypt+authenticate, no alerts 
)

// Sink is a tagged union: either a byte callback or a full duplex/split
// handle. Exactly one of these is used per Channel.
type Sink struct {
	Callback func([]byte)
	Duplex   ReadWriter
	In       Reader
	Out      Writer
}

type Reader interface{ Read(p []byte) (int, error) }
type Writer interface{ Write(p []byte) (int, error) }
type ReadWriter interface {
	Reader
	Writer
}

func (s Sink) deliver(data []byte) {
	switch {
	case s.Callback != nil:
		s.Callback(data)
	case s.Duplex != nil:
		_, _ = s.Duplex.Write(data)
	case s.Out != nil:
		_, _ = s.Out.Write(data)
	}
}

// Channel is an active SOL stream atop a Session.
type Channel struct {
	session *ipmicore.Session
	sink    Sink
	log     *logrus.Entry

	mu sync.Mutex

	maxOutbound uint16

	mySeq       uint8 // 4-bit counter 1..15, skipping 0 
	remSeq      uint8
	lastSize    int
	pending     []byte
	awaitingAck bool
	lastPayload []byte

	poweredOff bool
	deactivated bool

	retriedActivation bool
}

// Activate issues Activate Payload on an established session ("SOL activation policy"). On completion code 0x80, if force is set
// and this is the first attempt, it deactivates and retries exactly once.
func Activate(session *ipmicore.Session, sink Sink, force bool) (*Channel, error) {
	c := &Channel{
		session: session,
		sink:    sink,
		log:     logrus.WithFields(logrus.Fields{"component": "sol", "bmc": session.Host()}),
		mySeq:   1,
	}
	if err := c.activate(force); err != nil {
		return nil, err
	}
	session.SetSOLHandler(c)
	return c, nil
}

func (c *Channel) activate(force bool) error {
	cmd := &ipmicore.ActivatePayloadCommand{PayloadType: payloadTypeSOLValue, PayloadInstance: payloadInstance}
	err := c.session.RawCommand(cmd, true)
	if err != nil {
		if cmdErr, ok := err.(*ipmicore.CommandError); ok && cmdErr.CompletionCode == 0x80 && force && !c.retriedActivation {
			c.retriedActivation = true
			c.log.Info("SOL payload already active, force-deactivating and retrying")
			_ = c.session.RawCommand(&ipmicore.DeactivatePayloadCommand{PayloadType: payloadTypeSOLValue, PayloadInstance: payloadInstance}, false)
			return c.activate(force)
		}
		return describeActivationError(err)
	}

	if cmd.SOLPort != 0 && cmd.SOLPort != 623 {
		return fmt.Errorf("sol: non-standard SOL port number %d", cmd.SOLPort)
	}
	c.mu.Lock()
	c.maxOutbound = cmd.MaxOutboundCount
	c.mu.Unlock()
	return nil
}

// describeActivationError surfaces the well-known SOL activation
// completion codes verbatim: 0x81 disabled, 0x82 max sessions,
// 0x83/0x84 encryption mismatch.
func describeActivationError(err error) error {
	cmdErr, ok := err.(*ipmicore.CommandError)
	if !ok {
		return err
	}
	switch cmdErr.CompletionCode {
	case 0x81:
		return fmt.Errorf("sol: SOL disabled on this channel")
	case 0x82:
		return fmt.Errorf("sol: maximum number of SOL sessions reached")
	case 0x83:
		return fmt.Errorf("sol: SOL encryption required but not supported")
	case 0x84:
		return fmt.Errorf("sol: SOL encryption not required but requested")
	default:
		return err
	}
}

// Send queues data for transmission, chunked to the BMC's maxOutbound
// size, and sends the first chunk immediately if nothing is awaiting ack
// ("one outbound SOL packet may be in flight at a time").
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	c.pending = append(c.pending, data...)
	awaiting := c.awaitingAck
	c.mu.Unlock()

	if !awaiting {
		return c.sendNextChunk()
	}
	return nil
}

func (c *Channel) sendNextChunk() error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	max := int(c.maxOutbound)
	if max <= 0 {
		max = len(c.pending)
	}
	n := len(c.pending)
	if n > max {
		n = max
	}
	chunk := c.pending[:n]
	c.pending = c.pending[n:]

	c.mySeq = nextSeq(c.mySeq)
	seq := c.mySeq
	c.awaitingAck = true
	c.mu.Unlock()

	packet := buildSOLPacket(seq, 0, 0, 0, chunk)
	c.mu.Lock()
	c.lastPayload = packet
	c.mu.Unlock()

	return c.session.SendRaw(wire.PayloadTypeSOL, packet)
}

// nextSeq advances the 4-bit SOL sequence counter, skipping zero: it
// wraps from 15 back to 1, never 0.
func nextSeq(seq uint8) uint8 {
	seq++
	if seq > 15 {
		seq = 1
	}
	return seq
}

// HandleSOLPayload processes an inbound SOL datagram ("Inbound
// processing"), called by Session when a payload-type-1 frame arrives.
func (c *Channel) HandleSOLPayload(payload []byte) {
	hdr, body, err := parseSOLPacket(payload)
	if err != nil {
		c.log.WithError(err).Debug("dropping malformed SOL packet")
		return
	}

	if hdr.newSeq != 0 {
		c.handleInboundData(hdr, body)
	}

	if hdr.ackSeq != 0 {
		c.handleAck(hdr)
	}
}

func (c *Channel) handleInboundData(hdr solHeader, body []byte) {
	c.mu.Lock()
	retransmit := hdr.newSeq == c.remSeq
	lastSize := c.lastSize
	if !retransmit {
		c.remSeq = hdr.newSeq
	}
	c.lastSize = len(body)
	c.mu.Unlock()

	toDeliver := body
	if retransmit {
		if lastSize >= len(body) {
			toDeliver = nil
		} else {
			toDeliver = body[lastSize:]
		}
	}
	if len(toDeliver) > 0 {
		c.sink.deliver(toDeliver)
	}

	ack := buildSOLPacket(0, hdr.newSeq, uint8(len(body)), 0, nil)
	_ = c.session.SendRaw(wire.PayloadTypeSOL, ack)
}

func (c *Channel) handleAck(hdr solHeader) {
	c.mu.Lock()
	mySeq := c.mySeq
	lastPayload := c.lastPayload
	awaiting := c.awaitingAck
	c.mu.Unlock()

	if hdr.ackSeq != mySeq {
		// Not an ack for our outstanding packet: resend it ("an occasional extra retry is acceptable").
		if awaiting && lastPayload != nil {
			_ = c.session.SendRaw(wire.PayloadTypeSOL, lastPayload)
		}
		return
	}

	c.mu.Lock()
	c.awaitingAck = false
	c.mu.Unlock()

	if hdr.nack {
		if hdr.poweredOff {
			c.log.Warn("SOL: remote system is powered off")
			return
		}
		if hdr.deactivated {
			c.log.Warn("SOL: session deactivated by BMC")
			c.mu.Lock()
			c.deactivated = true
			c.mu.Unlock()
			return
		}
		// Re-queue the unacked tail ahead of whatever else is pending
		// and resend immediately ("SOL NACK partial").
		c.mu.Lock()
		tail := lastPayload[4+hdr.ackCount:]
		c.pending = append(append([]byte(nil), tail...), c.pending...)
		c.mu.Unlock()
	}

	_ = c.sendNextChunk()
}

// Close deactivates the SOL payload (best-effort).
func (c *Channel) Close() error {
	return c.session.RawCommand(&ipmicore.DeactivatePayloadCommand{PayloadType: payloadTypeSOLValue, PayloadInstance: payloadInstance}, false)
}

package ipmicore

import (
	crand "crypto/rand"
	"crypto/hmac"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ipmicore/ipmicore/internal/wire"
)

// loginState is the Session login state machine.
type loginState int

const (
	loginInit loginState = iota
	loginOpenSession
	loginExpectingRAKP2
	loginExpectingRAKP4
	loginV15Activating
	loginEstablished
	loginFailed
)

func (s loginState) String() string {
	switch s {
	case loginInit:
		return "INIT"
	case loginOpenSession:
		return "OPENSESSION"
	case loginExpectingRAKP2:
		return "EXPECTINGRAKP2"
	case loginExpectingRAKP4:
		return "EXPECTINGRAKP4"
	case loginV15Activating:
		return "V15ACTIVATING"
	case loginEstablished:
		return "ESTABLISHED"
	case loginFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// pendingRequest is a queued (command, callback) pair ("Queue").
type pendingRequest struct {
	cmd      Command
	retry    bool
	callback func(Command, error)
}

// SOLHandler receives payload-type-1 datagrams routed to an established
// session ; the sol package implements this.
type SOLHandler interface {
	HandleSOLPayload(payload []byte)
}

// Session is a Go realization of pyghmi's per-BMC Session object. It is
// owned by exactly one Manager and only ever advances its state from
// inside that Manager's dispatcher loop or from a call that re-enters it
// (RawCommand).
type Session struct {
	manager *Manager
	args    *Arguments
	peer    *net.UDPAddr
	log     *logrus.Entry

	mu sync.Mutex

	loginState loginState
	loginErr   error
	logonTries int

	// RAKP / RMCP+ negotiated state.
	rmcpTag          uint8
	localSID         uint32
	pendingSessionID uint32
	sessionID        uint32
	remoteGUID       [16]byte
	sik, k1, k2      []byte

	rakp1 *wire.RAKPMessage1
	rakp2 *wire.RAKPMessage2

	probedV2_0 bool

	// IPMI 1.5 / MD5 branch state ("Branch IPMI 1.5").
	authType     wire.AuthType
	v15Challenge [16]byte

	// Outbound/inbound sequencing ("Counters").
	sequenceNumber    uint32
	remSequenceNumber uint32
	seqLUN            uint8

	// In-flight request state.
	inFlight       *pendingRequest
	hasRetried     bool
	lastPayload    []byte
	lastPayloadPT  wire.PayloadType
	retryDeadline  time.Time
	retryBase      time.Duration
	queue          []*pendingRequest

	// Taboo map: (netfn,cmd,seqlun) -> remaining skip count.
	taboo map[tabooKey]int

	sol SOLHandler

	closed bool
}

type tabooKey struct {
	netFn  NetFn
	cmd    uint8
	seqLUN uint8
}

func newSession(m *Manager, args *Arguments, peer *net.UDPAddr) *Session {
	return &Session{
		manager:  m,
		args:     args,
		peer:     peer,
		log:      logrus.WithFields(logrus.Fields{"component": "ipmicore", "bmc": args.Host}),
		localSID: localSIDBase + rand.Uint32()%1000,
		seqLUN:   0,
		taboo:    make(map[tabooKey]int),
	}
}

// localSIDBase mirrors pyghmi's fixed starting local session id
// (session.py _initsession: localsid=2017673555); ipmicore only needs it
// to be stable and distinguishable across retries, so a small random
// offset is added per Session instead of sharing one process-wide counter.
const localSIDBase = 2017673555

func (s *Session) identity() identity { return s.args.identity() }

// startLogin kicks off the login state machine: get channel auth
// capabilities, probing IPMI 2.0 first.
func (s *Session) startLogin() {
	s.mu.Lock()
	s.loginState = loginInit
	s.mu.Unlock()
	s.sendGetChannelAuthCaps(true)
}

func (s *Session) sendGetChannelAuthCaps(probeV2_0 bool) {
	s.probedV2_0 = probeV2_0
	cmd := &GetChannelAuthCapabilitiesCommand{PrivilegeLevel: s.args.PrivilegeLevel, ProbeV2_0: probeV2_0}
	s.sendIPMI15Unauthenticated(cmd, func(c Command, err error) {
		if err != nil {
			s.failLogin(err)
			return
		}
		caps := c.(*GetChannelAuthCapabilitiesCommand)
		s.gotChannelAuthCaps(caps)
	})
}

func (s *Session) gotChannelAuthCaps(caps *GetChannelAuthCapabilitiesCommand) {
	if caps.SupportsV2_0 {
		s.openRMCPPlusSession()
		return
	}
	// IPMI 1.5 branch: requires MD5.
	if !caps.SupportsMD5 {
		s.failLogin(&MessageError{Message: "BMC does not support MD5 authentication over IPMI 1.5"})
		return
	}
	s.sendGetSessionChallenge()
}

// sendGetSessionChallenge starts the IPMI 1.5 login branch ("Get session challenge -> activate session -> request privilege level").
func (s *Session) sendGetSessionChallenge() {
	s.mu.Lock()
	s.authType = AuthTypeMD5
	s.mu.Unlock()

	cmd := &GetSessionChallengeCommand{AuthType: AuthTypeMD5, Userid: s.args.Userid}
	s.sendIPMI15Unauthenticated(cmd, func(c Command, err error) {
		if err != nil {
			s.failLogin(err)
			return
		}
		s.gotSessionChallenge(c.(*GetSessionChallengeCommand))
	})
}

func (s *Session) gotSessionChallenge(resp *GetSessionChallengeCommand) {
	s.mu.Lock()
	s.pendingSessionID = resp.TemporarySessionID
	s.sessionID = resp.TemporarySessionID
	s.v15Challenge = resp.Challenge
	s.loginState = loginV15Activating
	s.mu.Unlock()

	s.sendActivateSession()
}

// sendActivateSession switches the temporary session into an active one,
// requesting an initial outbound sequence number of 1.
func (s *Session) sendActivateSession() {
	s.mu.Lock()
	cmd := &ActivateSessionCommand{
		AuthType:       AuthTypeMD5,
		PrivilegeLevel: s.args.PrivilegeLevel,
		Challenge:      s.v15Challenge,
		InitialOutSeq:  1,
	}
	s.mu.Unlock()

	s.enqueueOrSend(&pendingRequest{
		cmd:   cmd,
		retry: true,
		callback: func(c Command, err error) {
			if err != nil {
				s.failLogin(err)
				return
			}
			s.gotActivateSessionResponse(c.(*ActivateSessionCommand))
		},
	})
}

func (s *Session) gotActivateSessionResponse(resp *ActivateSessionCommand) {
	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.remSequenceNumber = resp.InitialInSeq
	s.sequenceNumber = 1
	s.mu.Unlock()

	s.clearInFlight()
	s.setSessionPrivilegeLevel()
}

// openRMCPPlusSession sends the RMCP+ Open Session Request.
func (s *Session) openRMCPPlusSession() {
	s.mu.Lock()
	s.loginState = loginOpenSession
	s.rmcpTag++
	s.localSID++
	localSID := s.localSID
	tag := s.rmcpTag
	s.mu.Unlock()

	req := &wire.OpenSessionRequest{
		MessageTag:     tag,
		PrivilegeLevel: 0, // request the max the channel allows 
		ConsoleSessID:  localSID,
		Cipher:         wire.CipherSuite3,
	}
	s.sendRMCPPlusPayload(wire.PayloadTypeOpenSessReq, req.Marshal(), false, false)
	s.armRetry()
}

func (s *Session) gotOpenSessionResponse(buf []byte) {
	var resp wire.OpenSessionResponse
	if err := resp.Unmarshal(buf); err != nil {
		s.log.WithError(err).Debug("dropping malformed open session response")
		return
	}
	s.mu.Lock()
	if resp.MessageTag != s.rmcpTag {
		s.mu.Unlock()
		return // stale response to a previous attempt ("_got_rmcp_response")
	}
	if resp.StatusCode != 0 {
		s.mu.Unlock()
		s.failLogin(&MessageError{Message: fmt.Sprintf("open session request rejected: status %#02x", resp.StatusCode)})
		return
	}
	s.pendingSessionID = resp.ManagedSessID
	s.sessionID = resp.ManagedSessID
	s.loginState = loginExpectingRAKP2
	s.mu.Unlock()

	s.sendRAKP1()
}

func (s *Session) sendRAKP1() {
	s.mu.Lock()
	r1 := &wire.RAKPMessage1{
		MessageTag:     s.rmcpTag,
		ManagedSessID:  s.pendingSessionID,
		PrivilegeLevel: uint8(s.args.PrivilegeLevel),
		Username:       s.args.Userid,
	}
	if _, err := crand.Read(r1.ConsoleRand[:]); err != nil {
		s.mu.Unlock()
		s.failLogin(err)
		return
	}
	s.rakp1 = r1
	s.mu.Unlock()

	s.sendRMCPPlusPayload(wire.PayloadTypeRAKP1, r1.Marshal(), false, false)
	s.armRetry()
}

func (s *Session) gotRAKP2(buf []byte) {
	var r2 wire.RAKPMessage2
	if err := r2.Unmarshal(buf); err != nil {
		s.log.WithError(err).Debug("dropping malformed RAKP2")
		return
	}

	s.mu.Lock()
	if r2.MessageTag != s.rmcpTag || s.loginState != loginExpectingRAKP2 {
		s.mu.Unlock()
		return
	}
	if r2.StatusCode != 0 {
		s.mu.Unlock()
		s.failLogin(&MessageError{Message: fmt.Sprintf("RAKP2 rejected: status %#02x", r2.StatusCode)})
		return
	}
	r1 := s.rakp1
	s.mu.Unlock()

	// RAKP2 verification: HMAC-SHA1(password, ...).
	expected := wire.HMACAuthCode([]byte(s.args.Password), wire.AuthCodeData2(&r2, r1))
	if !hmac.Equal(r2.AuthCode, expected) {
		s.failLogin(&MessageError{Message: "Incorrect password provided"})
		return
	}

	sik := wire.GenerateSIK(nil, s.args.kgOrPassword(), wire.SIKData(r1, &r2))
	k1 := wire.GenerateK1(sik)
	k2 := wire.GenerateK2(sik)

	s.mu.Lock()
	s.rakp2 = &r2
	s.remoteGUID = r2.ManagedGUID
	s.sik, s.k1, s.k2 = sik, k1, k2
	s.loginState = loginExpectingRAKP4
	s.mu.Unlock()

	s.sendRAKP3()
}

func (s *Session) sendRAKP3() {
	s.mu.Lock()
	r1, r2 := s.rakp1, s.rakp2
	authCode := wire.HMACAuthCode([]byte(s.args.Password), wire.AuthCodeData3(r2, r1))
	r3 := &wire.RAKPMessage3{
		MessageTag:    s.rmcpTag,
		StatusCode:    0,
		ManagedSessID: s.pendingSessionID,
		AuthCode:      authCode,
	}
	s.mu.Unlock()

	s.sendRMCPPlusPayload(wire.PayloadTypeRAKP3, r3.Marshal(), false, false)
	s.armRetry()
}

func (s *Session) gotRAKP4(buf []byte) {
	var r4 wire.RAKPMessage4
	if err := r4.Unmarshal(buf); err != nil {
		s.log.WithError(err).Debug("dropping malformed RAKP4")
		return
	}

	s.mu.Lock()
	if r4.MessageTag != s.rmcpTag || s.loginState != loginExpectingRAKP4 {
		s.mu.Unlock()
		return
	}
	if r4.StatusCode != 0 {
		s.mu.Unlock()
		s.failLogin(&MessageError{Message: fmt.Sprintf("RAKP4 rejected: status %#02x", r4.StatusCode)})
		return
	}
	r1, r2, sik := s.rakp1, s.rakp2, s.sik
	s.mu.Unlock()

	expected := wire.HMACWithKey(sik, wire.ICVData(r1, r2))[:wire.IntegrityCheckSize]
	if !hmac.Equal(r4.IntegrityCheckValue, expected) {
		s.failLogin(&MessageError{Message: "Invalid RAKP4 integrity code (wrong Kg?)"})
		return
	}

	s.mu.Lock()
	s.sequenceNumber = 1
	s.mu.Unlock()

	s.clearInFlight()
	s.setSessionPrivilegeLevel()
}

func (s *Session) setSessionPrivilegeLevel() {
	cmd := &SetSessionPrivilegeLevelCommand{Requested: s.args.PrivilegeLevel}
	s.sendIPMIAuthenticated(cmd, func(c Command, err error) {
		if err != nil {
			s.failLogin(err)
			return
		}
		s.mu.Lock()
		s.loginState = loginEstablished
		s.mu.Unlock()
		s.manager.markKeepalive(s)
		s.log.Info("session established")
		if s.args.OnLogon != nil {
			s.args.OnLogon(nil)
		}
	})
}

func (s *Session) failLogin(err error) {
	s.mu.Lock()
	alreadyFailed := s.loginState == loginFailed
	s.loginState = loginFailed
	s.loginErr = err
	s.mu.Unlock()
	s.clearInFlight()
	s.log.WithError(err).Warn("session login failed")
	if !alreadyFailed && s.args.OnLogon != nil {
		s.args.OnLogon(err)
	}
}

// relog restarts the RAKP handshake from scratch ("_relog full restart"): BMCs reject duplicate RAKP1/RAKP3, so a
// timeout in EXPECTINGRAKP2/4 must re-probe channel auth caps rather than
// resend the stale message.
func (s *Session) relog() {
	s.mu.Lock()
	s.logonTries++
	tries := s.logonTries
	s.mu.Unlock()

	if tries > 5 {
		s.failLogin(&MessageError{Message: "exceeded login retry budget"})
		return
	}
	s.clearInFlight()
	s.sendGetChannelAuthCaps(true)
}

// --- command execution  ---

// RawCommand issues an IPMI command on this session, blocking (by
// re-entering the Manager's dispatcher) until a reply arrives or the
// cumulative retry timeout expires.
func (s *Session) RawCommand(cmd Command, retry bool) error {
	s.mu.Lock()
	if s.loginState == loginFailed {
		s.mu.Unlock()
		return ErrLoginFailed
	}
	s.mu.Unlock()

	type result struct {
		err error
	}
	done := make(chan result, 1)

	s.enqueueOrSend(&pendingRequest{
		cmd:   cmd,
		retry: retry,
		callback: func(c Command, err error) {
			done <- result{err: err}
		},
	})

	for {
		select {
		case r := <-done:
			return r.err
		default:
		}
		if _, err := s.manager.Wait(maxCumulativeTimeout); err != nil {
			return err
		}
		select {
		case r := <-done:
			return r.err
		default:
		}
	}
}

func (s *Session) enqueueOrSend(req *pendingRequest) {
	s.mu.Lock()
	if s.inFlight != nil {
		s.queue = append(s.queue, req)
		s.mu.Unlock()
		return
	}
	s.inFlight = req
	s.mu.Unlock()

	s.manager.throttle()
	s.transmitCommand(req)
}

func (s *Session) transmitCommand(req *pendingRequest) {
	data, err := req.cmd.Marshal()
	if err != nil {
		s.completeInFlight(err)
		return
	}

	s.mu.Lock()
	seqLUN := s.nextSeqLUNLocked(req.cmd.NetFn(), req.cmd.Code())
	ipmiReq := &wire.IPMIRequest{
		ResponderAddr: 0x20,
		NetFn:         req.cmd.NetFn(),
		RequesterAddr: 0x81,
		Sequence:      seqLUN >> 2,
		Command:       req.cmd.Code(),
		Data:          data,
	}
	keyed := s.k1 != nil
	v15 := s.authType == AuthTypeMD5
	s.mu.Unlock()

	payload := ipmiReq.Marshal()
	switch {
	case v15:
		s.sendIPMI15AuthenticatedRaw(payload)
	case keyed:
		s.sendIPMIAuthenticatedRaw(payload)
	default:
		s.sendRMCPPlusPayload(wire.PayloadTypeIPMI, payload, false, false)
	}
	s.armRetry()
}

// nextSeqLUNLocked advances seqLUN past any taboo'd sequence for this
// (netfn,cmd), up to 7 tries . Caller holds s.mu.
func (s *Session) nextSeqLUNLocked(netFn NetFn, cmd uint8) uint8 {
	seq := s.seqLUN
	for i := 0; i < 7; i++ {
		key := tabooKey{netFn: netFn, cmd: cmd, seqLUN: seq}
		if s.taboo[key] <= 0 {
			break
		}
		s.taboo[key]--
		seq = (seq + 4) & 0xff
	}
	s.seqLUN = (seq + 4) & 0xff
	return seq
}

func (s *Session) gotIPMIResponse(buf []byte) {
	resp, err := wire.UnmarshalIPMIResponse(buf)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed IPMI response")
		return
	}

	s.mu.Lock()
	req := s.inFlight
	if req == nil {
		s.mu.Unlock()
		return
	}
	expectedNetFn := req.cmd.NetFn().Response()
	if resp.NetFn != expectedNetFn || resp.Command != req.cmd.Code() {
		s.mu.Unlock()
		return // mismatch: silently dropped 
	}
	hasRetried := s.hasRetried
	if hasRetried {
		key := tabooKey{netFn: req.cmd.NetFn(), cmd: req.cmd.Code(), seqLUN: resp.Sequence << 2}
		s.taboo[key] = 16
	}
	s.mu.Unlock()

	var cmdErr error
	if resp.Completion != wire.CompletionNormal {
		cmdErr = &CommandError{CompletionCode: resp.Completion, Command: req.cmd}
	} else if err := req.cmd.Unmarshal(resp.Data); err != nil {
		cmdErr = err
	}

	s.completeInFlight(cmdErr)
}

func (s *Session) completeInFlight(err error) {
	s.mu.Lock()
	req := s.inFlight
	s.inFlight = nil
	s.hasRetried = false
	s.lastPayload = nil
	s.retryBase = 0
	var next *pendingRequest
	if len(s.queue) > 0 {
		next = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	s.manager.clearWaiting(s)

	if req != nil && req.callback != nil {
		req.callback(req.cmd, err)
	}
	if next != nil {
		s.enqueueOrSend(next)
	}
}

func (s *Session) clearInFlight() {
	s.mu.Lock()
	s.inFlight = nil
	s.hasRetried = false
	s.lastPayload = nil
	s.mu.Unlock()
	s.manager.clearWaiting(s)
}

// sendKeepalive issues Get Device ID with retry disabled once a session
// in the keepalive set goes idle past its deadline.
func (s *Session) sendKeepalive() {
	s.mu.Lock()
	busy := s.inFlight != nil
	s.mu.Unlock()
	if busy {
		return
	}
	s.enqueueOrSend(&pendingRequest{cmd: &GetDeviceIDCommand{}, retry: false, callback: func(Command, error) {}})
}

func (s *Session) logoutBestEffort() {
	s.mu.Lock()
	sid := s.sessionID
	established := s.loginState == loginEstablished
	s.mu.Unlock()
	if !established {
		return
	}
	s.enqueueOrSend(&pendingRequest{cmd: &CloseSessionCommand{SessionID: sid}, retry: false, callback: func(Command, error) {}})
}

// --- retry / timeout  ---

func (s *Session) armRetry() {
	s.mu.Lock()
	if s.retryBase == 0 {
		s.retryBase = initialRetryBase + time.Duration(rand.Int63n(int64(initialRetryJitter)))
	}
	deadline := time.Now().Add(s.retryBase)
	s.retryDeadline = deadline
	s.mu.Unlock()
	s.manager.markWaiting(s, deadline)
}

func (s *Session) timedOut() {
	s.mu.Lock()
	s.retryBase += time.Second
	exceeded := s.retryBase > maxCumulativeTimeout
	state := s.loginState
	if exceeded {
		s.retryBase = 0
	}
	s.mu.Unlock()

	if exceeded {
		switch state {
		case loginOpenSession, loginExpectingRAKP2, loginExpectingRAKP4:
			s.relog()
		default:
			s.completeInFlight(&TimeoutError{Message: "timeout"})
		}
		return
	}

	switch state {
	case loginOpenSession:
		s.openRMCPPlusSession()
	case loginExpectingRAKP2:
		s.relog()
	case loginExpectingRAKP4:
		s.relog()
	default:
		s.mu.Lock()
		retry := s.inFlight == nil || s.inFlight.retry
		s.hasRetried = true
		s.mu.Unlock()
		if !retry {
			s.completeInFlight(&TimeoutError{Message: "timeout"})
			return
		}
		if s.resendLastPayload() {
			s.armRetry()
		}
	}
}

func (s *Session) resendLastPayload() bool {
	s.mu.Lock()
	payload, pt := s.lastPayload, s.lastPayloadPT
	s.mu.Unlock()
	if payload == nil {
		return false
	}
	return s.manager.send(s.peer, s.frameForResend(payload, pt)) == nil
}

func (s *Session) frameForResend(payload []byte, pt wire.PayloadType) []byte {
	// lastPayload already holds the fully-framed datagram; see
	// sendRMCPPlusPayload/sendIPMIAuthenticatedRaw below.
	return payload
}

// --- outbound framing helpers ---

func (s *Session) sendRMCPPlusPayload(pt wire.PayloadType, payload []byte, encrypt, authenticate bool) {
	s.mu.Lock()
	seq := s.sequenceNumber
	s.sequenceNumber++
	sid := s.sessionID
	s.mu.Unlock()

	hdr := &wire.SessionHeaderV2_0{PayloadType: pt.WithFlags(encrypt, authenticate), SessionID: sid, Sequence: seq, PayloadLength: uint16(len(payload))}
	frame := append(wire.NewIPMIHeader().Marshal(), hdr.Marshal()...)
	frame = append(frame, payload...)

	s.mu.Lock()
	s.lastPayload = frame
	s.lastPayloadPT = pt
	s.mu.Unlock()

	if err := s.manager.send(s.peer, frame); err != nil {
		s.log.WithError(err).Debug("send failed")
	}
}

// sendIPMIAuthenticated queues an IPMI command with retry enabled.
// transmitCommand frames it with the MD5 auth code on an IPMI 1.5 session,
// or, once K1 exists, through sendIPMIAuthenticatedRaw, which encrypts with
// K2 and appends the HMAC-SHA1-96 integrity trailer keyed on K1.
func (s *Session) sendIPMIAuthenticated(cmd Command, callback func(Command, error)) {
	s.enqueueOrSend(&pendingRequest{cmd: cmd, retry: true, callback: callback})
}

func (s *Session) sendIPMIAuthenticatedRaw(payload []byte) {
	s.mu.Lock()
	k2, k1 := s.k2, s.k1
	seq := s.sequenceNumber
	s.sequenceNumber++
	sid := s.sessionID
	s.mu.Unlock()

	encrypted, err := wire.EncryptPayload(payload, k2)
	if err != nil {
		s.log.WithError(err).Warn("encrypt failed")
		return
	}

	hdr := &wire.SessionHeaderV2_0{
		PayloadType:   wire.PayloadTypeIPMI.WithFlags(true, true),
		SessionID:     sid,
		Sequence:      seq,
		PayloadLength: uint16(len(encrypted)),
	}
	frame := append(wire.NewIPMIHeader().Marshal(), hdr.Marshal()...)
	frame = append(frame, encrypted...)
	trailer := wire.MakeIntegrityTrailer(frame[wire.RMCPHeaderSize:], k1)
	frame = append(frame, trailer...)

	s.mu.Lock()
	s.lastPayload = frame
	s.lastPayloadPT = wire.PayloadTypeIPMI
	s.mu.Unlock()

	if err := s.manager.send(s.peer, frame); err != nil {
		s.log.WithError(err).Debug("send failed")
	}
}

// sendIPMI15AuthenticatedRaw frames an IPMI command over an authtype=2
// (MD5) IPMI 1.5 session ("Branch IPMI 1.5"): the 16-byte
// MD5 auth code is computed over password||sessionid||payload||sequence||
// password and carried in the session header.
func (s *Session) sendIPMI15AuthenticatedRaw(payload []byte) {
	s.mu.Lock()
	seq := s.sequenceNumber
	s.sequenceNumber++
	sid := s.sessionID
	password := []byte(s.args.Password)
	s.mu.Unlock()

	authCode := wire.IPMI15AuthCodeMD5(password, sid, payload, seq)

	hdr := &wire.SessionHeaderV1_5{
		AuthType:      AuthTypeMD5,
		Sequence:      seq,
		SessionID:     sid,
		AuthCode:      authCode,
		PayloadLength: uint8(len(payload)),
	}
	frame := append(wire.NewIPMIHeader().Marshal(), hdr.Marshal()...)
	frame = append(frame, payload...)

	s.mu.Lock()
	s.lastPayload = frame
	s.lastPayloadPT = wire.PayloadTypeIPMI
	s.mu.Unlock()

	if err := s.manager.send(s.peer, frame); err != nil {
		s.log.WithError(err).Debug("send failed")
	}
}

// sendIPMI15Unauthenticated is used for the pre-session requests (the Get
// Channel Auth Capabilities probe and Get Session Challenge), which ride an
// IPMI 1.5 authtype=none frame even when the session will ultimately
// negotiate 2.0.
func (s *Session) sendIPMI15Unauthenticated(cmd Command, callback func(Command, error)) {
	data, err := cmd.Marshal()
	if err != nil {
		callback(cmd, err)
		return
	}

	s.mu.Lock()
	seq := s.sequenceNumber
	s.sequenceNumber++
	s.inFlight = &pendingRequest{cmd: cmd, retry: true, callback: callback}
	s.mu.Unlock()

	ipmiReq := &wire.IPMIRequest{ResponderAddr: 0x20, NetFn: cmd.NetFn(), RequesterAddr: 0x81, Command: cmd.Code(), Data: data}
	payload := ipmiReq.Marshal()

	hdr := &wire.SessionHeaderV1_5{AuthType: wire.AuthTypeNone, Sequence: seq, SessionID: 0, PayloadLength: uint8(len(payload))}
	frame := append(wire.NewIPMIHeader().Marshal(), hdr.Marshal()...)
	frame = append(frame, payload...)

	s.mu.Lock()
	s.lastPayload = frame
	s.lastPayloadPT = wire.PayloadTypeIPMI
	s.mu.Unlock()

	if err := s.manager.send(s.peer, frame); err != nil {
		callback(cmd, err)
		return
	}
	s.armRetry()
}

// --- inbound routing  ---

// handleDatagram is invoked by Manager.drainSocket for every datagram
// whose peer sockaddr matches this session.
func (s *Session) handleDatagram(buf []byte) {
	var rmcp wire.RMCPHeader
	rest, err := rmcp.Unmarshal(buf)
	if err != nil || rmcp.Version != 0x06 || rmcp.Class != wire.RMCPClassIPMI {
		return
	}
	if len(rest) < 1 {
		return
	}

	authType := wire.AuthType(rest[0])
	if authType == wire.AuthTypeRMCPPlus {
		s.handleIPMI2Packet(rest)
		return
	}
	s.handleIPMI15Packet(rest, authType)
}

func (s *Session) handleIPMI15Packet(buf []byte, authType wire.AuthType) {
	var hdr wire.SessionHeaderV1_5
	rest, err := hdr.Unmarshal(buf)
	if err != nil {
		return
	}

	s.mu.Lock()
	if hdr.SessionID != s.sessionID {
		s.mu.Unlock()
		return // inbound datagram session id must match this session's
	}
	if hdr.Sequence < s.remSequenceNumber && !(s.remSequenceNumber == 0xffffffff) {
		s.mu.Unlock()
		return
	}
	s.remSequenceNumber = hdr.Sequence
	s.mu.Unlock()

	payload := rest
	if int(hdr.PayloadLength) <= len(rest) {
		payload = rest[:hdr.PayloadLength]
	}

	s.mu.Lock()
	req := s.inFlight
	s.mu.Unlock()
	if req == nil {
		return
	}
	if _, ok := req.cmd.(*GetChannelAuthCapabilitiesCommand); ok {
		resp, err := wire.UnmarshalIPMIResponse(payload)
		if err != nil {
			return
		}
		if resp.Completion == wire.CompletionInvalidFieldInRequest && s.probedV2_0 {
			// BMC rejected the 2.0 probe byte; retry 1.5-only.
			s.clearInFlight()
			s.sendGetChannelAuthCaps(false)
			return
		}
		if err := req.cmd.Unmarshal(resp.Data); err != nil {
			s.completeInFlight(err)
			return
		}
		s.completeInFlight(nil)
		return
	}
	s.gotIPMIResponse(payload)
}

func (s *Session) handleIPMI2Packet(buf []byte) {
	var hdr wire.SessionHeaderV2_0
	rest, err := hdr.Unmarshal(buf)
	if err != nil {
		return
	}

	pt := hdr.PayloadType
	pure := pt.Pure()

	if pure == wire.PayloadTypeIPMI || pure == wire.PayloadTypeSOL {
		if !pt.Authenticated() {
			return // IPMI and SOL payloads must carry the mutual-auth bit
		}
	}

	payload := rest
	if pt.Authenticated() {
		if len(payload) < wire.IntegrityCheckSize {
			return
		}
		s.mu.Lock()
		k1 := s.k1
		s.mu.Unlock()
		if k1 != nil {
			if err := wire.ValidateIntegrityTrailer(payload, k1); err != nil {
				return
			}
		}
		payload = payload[:len(payload)-wire.IntegrityCheckSize]
		// strip the integrity pad + pad-length + next-header bytes.
		if len(payload) >= 2 {
			padLen := int(payload[len(payload)-2])
			if padLen+2 <= len(payload) {
				payload = payload[:len(payload)-padLen-2]
			}
		}
	}

	if pure == wire.PayloadTypeIPMI || pure == wire.PayloadTypeSOL {
		s.mu.Lock()
		if hdr.SessionID != s.sessionID && s.loginState == loginEstablished {
			s.mu.Unlock()
			return
		}
		if hdr.Sequence < s.remSequenceNumber && s.remSequenceNumber != 0xffffffff {
			s.mu.Unlock()
			return
		}
		s.remSequenceNumber = hdr.Sequence
		s.mu.Unlock()
	}

	if pt.Encrypted() {
		s.mu.Lock()
		k2 := s.k2
		s.mu.Unlock()
		if k2 == nil {
			return
		}
		decrypted, err := wire.DecryptPayload(payload, k2)
		if err != nil {
			return
		}
		payload = decrypted
	}

	switch pure {
	case wire.PayloadTypeOpenSessRes:
		s.gotOpenSessionResponse(payload)
	case wire.PayloadTypeRAKP2:
		s.gotRAKP2(payload)
	case wire.PayloadTypeRAKP4:
		s.gotRAKP4(payload)
	case wire.PayloadTypeIPMI:
		s.gotIPMIResponse(payload)
	case wire.PayloadTypeSOL:
		s.mu.Lock()
		sol := s.sol
		s.mu.Unlock()
		if sol != nil {
			sol.HandleSOLPayload(payload)
		}
	}
}

// SetSOLHandler installs the SOL payload sink; the sol package calls this
// once Activate Payload succeeds.
func (s *Session) SetSOLHandler(h SOLHandler) {
	s.mu.Lock()
	s.sol = h
	s.mu.Unlock()
}

// SendRaw frames and transmits an authenticated IPMI 2.0 payload of an
// arbitrary payload type (used by the sol package to send SOL data
// without going through the Command/RawCommand machinery).
func (s *Session) SendRaw(pt wire.PayloadType, payload []byte) error {
	s.mu.Lock()
	k2, k1 := s.k2, s.k1
	seq := s.sequenceNumber
	s.sequenceNumber++
	sid := s.sessionID
	s.mu.Unlock()

	body := payload
	encrypt := k2 != nil
	if encrypt {
		enc, err := wire.EncryptPayload(payload, k2)
		if err != nil {
			return err
		}
		body = enc
	}

	hdr := &wire.SessionHeaderV2_0{PayloadType: pt.WithFlags(encrypt, k1 != nil), SessionID: sid, Sequence: seq, PayloadLength: uint16(len(body))}
	frame := append(wire.NewIPMIHeader().Marshal(), hdr.Marshal()...)
	frame = append(frame, body...)
	if k1 != nil {
		trailer := wire.MakeIntegrityTrailer(frame[wire.RMCPHeaderSize:], k1)
		frame = append(frame, trailer...)
	}
	return s.manager.send(s.peer, frame)
}

// SessionID returns the BMC-assigned session id, used by the sol package
// to build its own Activate/Deactivate Payload commands through RawCommand.
func (s *Session) SessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State reports the current login state, exposed read-only for the
// status package.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginState.String()
}

func (s *Session) Host() string { return s.args.Host }


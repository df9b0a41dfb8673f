package ipmicore

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	keepaliveBaseInterval = 25 * time.Second
	keepaliveJitter       = 4900 * time.Millisecond
	maxCumulativeTimeout  = 5 * time.Second
	initialRetryBase      = 500 * time.Millisecond
	initialRetryJitter    = 500 * time.Millisecond
)

// Manager is the Go realization of the process-wide globals pyghmi keeps
// as class attributes ("Process-wide registries"): one UDP socket, the
// sockaddr→Session dedupe table, the waiting/keepalive sets, and the
// external-handle registry, plus the single-threaded cooperative
// dispatcher loop. Nothing prevents running several Managers in one
// process, each with its own socket.
type Manager struct {
	// mu guards the registries below: each is only read or mutated while
	// holding it. Wait releases it before reading the socket or running any
	// callback, so it does not keep a second goroutine out of Wait.
	mu sync.Mutex

	tr  *transport
	log *logrus.Entry

	sessionsBySockaddr map[string]*Session
	waitingSessions    map[*Session]time.Time
	keepaliveSessions  map[*Session]time.Time
	externalHandles    map[int]*externalHandle

	closed bool
}

type externalHandle struct {
	fd       int
	callback func()
}

// NewManager opens the shared UDP socket and returns an empty dispatcher.
func NewManager() (*Manager, error) {
	tr, err := newTransport()
	if err != nil {
		return nil, err
	}
	return &Manager{
		tr:                 tr,
		log:                logrus.WithField("component", "ipmicore"),
		sessionsBySockaddr: make(map[string]*Session),
		waitingSessions:    make(map[*Session]time.Time),
		keepaliveSessions:  make(map[*Session]time.Time),
		externalHandles:    make(map[int]*externalHandle),
	}, nil
}

// Session returns the Session for args, creating and logging into a new
// one if no matching session is registered yet for that peer ("sessions_by_sockaddr: dedupe"). When args.OnLogon is nil this blocks
// until the session reaches ESTABLISHED or FAILED.
func (m *Manager) Session(args *Arguments) (*Session, error) {
	args.setDefaults()
	if err := args.validate(); err != nil {
		return nil, err
	}

	peer, err := resolvePeer(args.Host, args.Port)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessionsBySockaddr[peer.String()]; ok && existing.identity() == args.identity() {
		m.mu.Unlock()
		if args.OnLogon == nil {
			if err := m.blockUntilLoggedIn(existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	m.mu.Unlock()

	s := newSession(m, args, peer)

	m.mu.Lock()
	m.sessionsBySockaddr[peer.String()] = s
	m.mu.Unlock()

	s.startLogin()

	if args.OnLogon == nil {
		if err := m.blockUntilLoggedIn(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *Manager) blockUntilLoggedIn(s *Session) error {
	for {
		s.mu.Lock()
		state := s.loginState
		loginErr := s.loginErr
		s.mu.Unlock()

		switch state {
		case loginEstablished:
			return nil
		case loginFailed:
			return loginErr
		}
		if _, err := m.Wait(maxCumulativeTimeout); err != nil {
			return err
		}
	}
}

// RegisterHandleCallback adds an auxiliary fd (e.g. a console input
// descriptor) to the poll set ("register_handle_callback").
func (m *Manager) RegisterHandleCallback(fd int, callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.externalHandles[fd] = &externalHandle{fd: fd, callback: callback}
}

func (m *Manager) deregisterSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waitingSessions, s)
	delete(m.keepaliveSessions, s)
	for addr, sess := range m.sessionsBySockaddr {
		if sess == s {
			delete(m.sessionsBySockaddr, addr)
		}
	}
}

// Wait is the reentrant dispatcher loop ("re-entrant
// dispatcher for sync callers"): any goroutine may call it; it blocks for
// at most timeout (or until the next internally-scheduled deadline,
// whichever is sooner), drains the socket, routes datagrams, fires
// external-handle callbacks, advances keepalives and timeouts, and
// returns the number of still-waiting sessions.
//
// mu guards only the registries, never a session callback: every
// callback below (handleDatagram, sendKeepalive, timedOut, an
// external-handle callback) can re-enter markWaiting/clearWaiting/
// markKeepalive, which lock mu themselves. Holding mu across a callback
// would deadlock the first time one of those re-entered.
func (m *Manager) Wait(timeout time.Duration) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrSessionClosed
	}

	deadline := time.Now().Add(timeout)
	for _, t := range m.waitingSessions {
		if t.Before(deadline) {
			deadline = t
		}
	}
	for _, t := range m.keepaliveSessions {
		if t.Before(deadline) {
			deadline = t
		}
	}
	m.mu.Unlock()

	if d := time.Until(deadline); d > 0 {
		_ = m.tr.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = m.tr.conn.SetReadDeadline(time.Now())
	}

	m.drainSocket()

	now := time.Now()
	m.mu.Lock()
	var toKeepalive, toTimeout []*Session
	for s, deadline := range m.keepaliveSessions {
		if now.After(deadline) {
			toKeepalive = append(toKeepalive, s)
			m.keepaliveSessions[s] = jitterDuration(keepaliveBaseInterval, keepaliveJitter)
		}
	}
	for s, deadline := range m.waitingSessions {
		if now.After(deadline) {
			toTimeout = append(toTimeout, s)
		}
	}
	handles := make([]*externalHandle, 0, len(m.externalHandles))
	for _, h := range m.externalHandles {
		handles = append(handles, h)
	}
	waiting := len(m.waitingSessions)
	m.mu.Unlock()

	for _, s := range toKeepalive {
		s.sendKeepalive()
	}
	for _, s := range toTimeout {
		s.timedOut()
	}
	for _, h := range m.readyHandles(handles) {
		h.callback()
	}

	return waiting, nil
}

// drainSocket reads every datagram currently available without blocking
// again, so the OS receive buffer never fills between Wait calls. Each
// datagram is routed to its session after mu is released, never while
// held.
func (m *Manager) drainSocket() {
	buf := make([]byte, 8192)
	for {
		n, addr, err := m.tr.conn.ReadFromUDP(buf)
		if err != nil {
			if isTemporary(err) {
				continue
			}
			return
		}
		pkt := append([]byte(nil), buf[:n]...)

		m.mu.Lock()
		s, ok := m.sessionsBySockaddr[addr.String()]
		m.mu.Unlock()

		if ok {
			s.handleDatagram(pkt)
		}
		_ = m.tr.conn.SetReadDeadline(time.Now())
	}
}

// readyHandles polls every registered external fd and returns only the
// ones currently readable, so a console input fd's callback fires on
// actual input rather than on every dispatcher tick.
func (m *Manager) readyHandles(handles []*externalHandle) []*externalHandle {
	if len(handles) == 0 {
		return nil
	}
	fds := make([]unix.PollFd, len(handles))
	for i, h := range handles {
		fds[i] = unix.PollFd{Fd: int32(h.fd), Events: unix.POLLIN}
	}
	if _, err := unix.Poll(fds, 0); err != nil {
		return nil
	}
	ready := make([]*externalHandle, 0, len(handles))
	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, handles[i])
		}
	}
	return ready
}

// throttle blocks the caller inside the dispatcher loop while the
// number of sessions with an in-flight request has reached the
// transport's max_pending limit, so new submissions back off until
// enough replies have drained rather than piling up unboundedly.
func (m *Manager) throttle() {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		n := len(m.waitingSessions)
		limit := m.tr.maxPending
		m.mu.Unlock()

		if n < limit {
			return
		}
		if _, err := m.Wait(maxCumulativeTimeout); err != nil {
			return
		}
	}
}

func jitterDuration(base, jitter time.Duration) time.Time {
	return time.Now().Add(base + time.Duration(rand.Int63n(int64(jitter))))
}

// markWaiting registers s as having an in-flight request with the given
// deadline ("waiting_sessions").
func (m *Manager) markWaiting(s *Session, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitingSessions[s] = deadline
}

func (m *Manager) clearWaiting(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waitingSessions, s)
}

func (m *Manager) markKeepalive(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepaliveSessions[s] = jitterDuration(keepaliveBaseInterval, keepaliveJitter)
}

func (m *Manager) send(addr *net.UDPAddr, buf []byte) error {
	return m.tr.sendTo(addr, buf)
}

// Close logs out every live session best-effort ("Resource
// cleanup") and releases the socket. Safe to call once; ipmicore leaves
// registering this against os/signal or a process exit hook to the
// caller, since that is application wiring rather than library behavior.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessionsBySockaddr))
	for _, s := range m.sessionsBySockaddr {
		sessions = append(sessions, s)
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.logoutBestEffort()
	}
	return m.tr.close()
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("Manager{sessions=%d waiting=%d keepalive=%d}",
		len(m.sessionsBySockaddr), len(m.waitingSessions), len(m.keepaliveSessions))
}

// Sessions returns a snapshot of the live sessions, keyed by peer
// address, for diagnostics (used by the status package).
func (m *Manager) Sessions() map[string]*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Session, len(m.sessionsBySockaddr))
	for addr, s := range m.sessionsBySockaddr {
		out[addr] = s
	}
	return out
}

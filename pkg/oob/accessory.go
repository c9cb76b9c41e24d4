package oob

import (
	"io"
	"log/slog"
	"sync"

	"github.com/companion-protocol/companion-go/pkg/wire"
)

// Accessory is an external accessory capable of delivering a token.
type Accessory interface {
	// Identifier returns a stable accessory identifier.
	Identifier() string

	// ProtocolIDs lists the accessory's supported protocol identifiers.
	ProtocolIDs() []string

	// OpenStream opens the accessory's token stream.
	OpenStream() (io.ReadCloser, error)
}

// AccessoryMonitor surfaces the currently connected accessories.
// Implementations deliver no upcalls; the provider reconciles on
// PrepareForRequests.
type AccessoryMonitor interface {
	// ConnectedAccessories returns the accessories connected right now.
	ConnectedAccessories() []Accessory
}

// AccessorySessionProvider reads out-of-band tokens from connected
// accessories that speak the configured protocol.
type AccessorySessionProvider struct {
	mu       sync.Mutex
	monitor  AccessoryMonitor
	protocol string
	sessions map[string]*accessorySession
	logger   *slog.Logger
}

// NewAccessorySessionProvider creates a provider matching accessories that
// advertise the given protocol identifier.
func NewAccessorySessionProvider(monitor AccessoryMonitor, protocol string, logger *slog.Logger) *AccessorySessionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessorySessionProvider{
		monitor:  monitor,
		protocol: protocol,
		sessions: make(map[string]*accessorySession),
		logger:   logger,
	}
}

// PrepareForRequests reconciles sessions against the currently connected
// accessories: existing sessions for still-connected accessories are
// preserved, sessions are created for newly connected ones, and sessions for
// vanished accessories are torn down.
func (p *AccessorySessionProvider) PrepareForRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()

	connected := make(map[string]Accessory)
	for _, acc := range p.monitor.ConnectedAccessories() {
		if p.speaksProtocol(acc) {
			connected[acc.Identifier()] = acc
		}
	}

	for id, session := range p.sessions {
		if _, ok := connected[id]; !ok {
			session.close()
			delete(p.sessions, id)
		}
	}

	for id, acc := range connected {
		if _, ok := p.sessions[id]; ok {
			continue
		}
		session := newAccessorySession(acc, p.logger)
		p.sessions[id] = session
		session.start()
	}
}

// CloseForRequests tears down all sessions.
func (p *AccessorySessionProvider) CloseForRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, session := range p.sessions {
		session.close()
		delete(p.sessions, id)
	}
}

// RequestToken delivers the first token any session has parsed, or registers
// the completion with every session so the first arriving token wins. With no
// sessions the completion fires immediately with nil.
func (p *AccessorySessionProvider) RequestToken(completion Completion) {
	p.mu.Lock()
	sessions := make([]*accessorySession, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	if len(sessions) == 0 {
		completion(nil)
		return
	}

	state := &coalesceState{completion: completion, remaining: len(sessions)}
	for _, s := range sessions {
		s.requestToken(state.deliver)
	}
}

// Reset drops parsed tokens but keeps sessions alive.
func (p *AccessorySessionProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, session := range p.sessions {
		session.reset()
	}
}

func (p *AccessorySessionProvider) speaksProtocol(acc Accessory) bool {
	for _, proto := range acc.ProtocolIDs() {
		if proto == p.protocol {
			return true
		}
	}
	return false
}

// Compile-time interface satisfaction check.
var _ TokenProvider = (*AccessorySessionProvider)(nil)

// accessorySession reads one accessory's stream and parses the first token.
type accessorySession struct {
	mu        sync.Mutex
	accessory Accessory
	stream    io.ReadCloser
	token     *Token
	pending   []Completion
	finished  bool // read loop ended; token holds the final result
	closed    bool
	logger    *slog.Logger
}

func newAccessorySession(accessory Accessory, logger *slog.Logger) *accessorySession {
	return &accessorySession{accessory: accessory, logger: logger}
}

// start opens the stream and begins the read loop.
func (s *accessorySession) start() {
	stream, err := s.accessory.OpenStream()
	if err != nil {
		s.logger.Debug("accessory stream open failed",
			"accessory", s.accessory.Identifier(),
			"error", err)
		return
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	go s.readLoop(stream)
}

// readLoop parses the first token from the accessory stream. The stream
// carries CBOR-encoded tokens back to back; only the first is kept.
func (s *accessorySession) readLoop(stream io.ReadCloser) {
	decoder := wire.NewDecoder(stream)

	var raw wire.OutOfBandToken
	if err := decoder.Decode(&raw); err != nil {
		if err != io.EOF {
			s.logger.Debug("accessory token parse failed",
				"accessory", s.accessory.Identifier(),
				"error", err)
		}
		s.deliver(nil)
		return
	}

	token := &Token{
		EncryptionKey:    raw.EncryptionKey,
		MobileIV:         raw.MobileIV,
		IHUIV:            raw.IHUIV,
		DeviceIdentifier: raw.DeviceIdentifier,
	}
	s.deliver(token)
}

// deliver records the parsed token and flushes pending completions.
func (s *accessorySession) deliver(token *Token) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.token = token
	s.finished = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, completion := range pending {
		completion(token)
	}
}

// requestToken delivers the parsed token immediately or queues the completion
// until the read loop finishes.
func (s *accessorySession) requestToken(completion Completion) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		completion(nil)
		return
	}
	if s.finished {
		token := s.token
		s.mu.Unlock()
		completion(token)
		return
	}
	if s.stream == nil {
		// Stream never opened; nothing will arrive.
		s.mu.Unlock()
		completion(nil)
		return
	}
	s.pending = append(s.pending, completion)
	s.mu.Unlock()
}

// reset drops the parsed token. The session stays finished, so later
// requests on it complete with nil at once.
func (s *accessorySession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
}

// close shuts the stream and fails pending completions.
func (s *accessorySession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stream := s.stream
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	for _, completion := range pending {
		completion(nil)
	}
}

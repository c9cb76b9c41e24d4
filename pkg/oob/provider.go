package oob

import (
	"sync"
)

// Token is an out-of-band association token.
type Token struct {
	// EncryptionKey is the 128-bit AES key.
	EncryptionKey []byte

	// MobileIV is the nonce for phone-to-car sealing.
	MobileIV []byte

	// IHUIV is the nonce for car-to-phone sealing.
	IHUIV []byte

	// DeviceIdentifier is the 16-byte identifier the car advertises.
	DeviceIdentifier []byte
}

// Completion receives the result of a token request. A nil token means no
// source produced one.
type Completion func(token *Token)

// TokenProvider is a single out-of-band token source.
type TokenProvider interface {
	// PrepareForRequests readies the provider; called before an
	// association attempt begins.
	PrepareForRequests()

	// CloseForRequests releases request resources; called when the
	// attempt ends.
	CloseForRequests()

	// RequestToken asks for a token. The completion fires exactly once,
	// with nil when the provider has nothing to offer.
	RequestToken(completion Completion)

	// Reset discards any held token state.
	Reset()
}

// CoalescingProvider fans a token request out to an ordered set of child
// providers and delivers the first non-empty reply.
type CoalescingProvider struct {
	mu       sync.Mutex
	children []TokenProvider
}

// NewCoalescingProvider creates a provider with the given initial children.
func NewCoalescingProvider(children ...TokenProvider) *CoalescingProvider {
	return &CoalescingProvider{children: children}
}

// AddProvider appends a child. In-flight requests are unaffected; the child
// participates from the next RequestToken call.
func (p *CoalescingProvider) AddProvider(child TokenProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, child)
}

// PrepareForRequests fans out to all children.
func (p *CoalescingProvider) PrepareForRequests() {
	for _, child := range p.snapshot() {
		child.PrepareForRequests()
	}
}

// CloseForRequests fans out to all children.
func (p *CoalescingProvider) CloseForRequests() {
	for _, child := range p.snapshot() {
		child.CloseForRequests()
	}
}

// Reset fans out to all children.
func (p *CoalescingProvider) Reset() {
	for _, child := range p.snapshot() {
		child.Reset()
	}
}

// RequestToken issues one request to each child captured at the moment of
// the call. The first non-nil reply is delivered once; later replies are
// discarded. If every child replies nil the completion receives nil.
func (p *CoalescingProvider) RequestToken(completion Completion) {
	children := p.snapshot()
	if len(children) == 0 {
		completion(nil)
		return
	}

	state := &coalesceState{
		completion: completion,
		remaining:  len(children),
	}
	for _, child := range children {
		child.RequestToken(state.deliver)
	}
}

// snapshot copies the child set so responders are those present when the
// request was made.
func (p *CoalescingProvider) snapshot() []TokenProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TokenProvider(nil), p.children...)
}

// coalesceState tracks a single fan-out request.
type coalesceState struct {
	mu         sync.Mutex
	completion Completion
	remaining  int
	done       bool
}

// deliver forwards the first non-nil token, or nil once all children replied
// empty.
func (s *coalesceState) deliver(token *Token) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.remaining--
	if token == nil && s.remaining > 0 {
		s.mu.Unlock()
		return
	}
	s.done = true
	completion := s.completion
	s.mu.Unlock()

	completion(token)
}

// PassiveProvider holds at most one externally posted token.
type PassiveProvider struct {
	mu    sync.Mutex
	token *Token
}

// NewPassiveProvider creates an empty passive provider.
func NewPassiveProvider() *PassiveProvider {
	return &PassiveProvider{}
}

// PostToken stores the token, replacing any previous one.
func (p *PassiveProvider) PostToken(token *Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// PrepareForRequests is a no-op for the passive provider.
func (p *PassiveProvider) PrepareForRequests() {}

// CloseForRequests is a no-op for the passive provider.
func (p *PassiveProvider) CloseForRequests() {}

// RequestToken delivers the held token, or nil when none was posted.
func (p *PassiveProvider) RequestToken(completion Completion) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	completion(token)
}

// Reset clears the held token.
func (p *PassiveProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = nil
}

// Compile-time interface satisfaction checks.
var (
	_ TokenProvider = (*CoalescingProvider)(nil)
	_ TokenProvider = (*PassiveProvider)(nil)
)

package version

import (
	"errors"
	"fmt"

	"github.com/companion-protocol/companion-go/pkg/wire"
)

// Supported version ranges for this library.
const (
	// MinStreamVersion is the lowest supported framing version.
	MinStreamVersion uint8 = 2

	// MaxStreamVersion is the highest supported framing version.
	MaxStreamVersion uint8 = 3

	// MinSecurityVersion is the lowest supported security version.
	MinSecurityVersion uint8 = 1

	// MaxSecurityVersion is the highest supported security version.
	MaxSecurityVersion uint8 = 4
)

// Resolver errors.
var (
	ErrVersionNotSupported     = errors.New("peer version not supported")
	ErrVersionResolutionFailed = errors.New("version resolution failed")
)

// Resolution is the outcome of a version exchange.
type Resolution struct {
	// StreamVersion is the negotiated framing version.
	StreamVersion uint8

	// SecurityVersion is the negotiated security version (1..4).
	SecurityVersion uint8
}

// Sender writes raw bytes to the peripheral's version characteristic.
type Sender func(data []byte) error

// Completion receives the resolver outcome.
type Completion func(resolution Resolution, err error)

// resolverState tracks resolver progress.
type resolverState uint8

const (
	stateIdle resolverState = iota
	stateAwaitingVersions
	stateAwaitingCapabilities
	stateDone
)

// Resolver performs the version exchange for one peripheral.
type Resolver struct {
	send                 Sender
	completion           Completion
	capabilitiesEnabled  bool
	capabilitiesExchange *wire.CapabilitiesExchange

	state      resolverState
	resolution Resolution
}

// NewResolver creates a resolver. The capabilities exchange is sent after
// version agreement when capabilities is non-nil (association); pass nil to
// skip it (reconnection).
func NewResolver(send Sender, capabilities *wire.CapabilitiesExchange, completion Completion) *Resolver {
	return &Resolver{
		send:                 send,
		completion:           completion,
		capabilitiesEnabled:  capabilities != nil,
		capabilitiesExchange: capabilities,
	}
}

// Start sends the phone's supported ranges.
func (r *Resolver) Start() error {
	if r.state != stateIdle {
		return fmt.Errorf("%w: resolver already started", ErrVersionResolutionFailed)
	}

	data, err := wire.EncodeVersionExchange(&wire.VersionExchange{
		MinStreamVersion:   MinStreamVersion,
		MaxStreamVersion:   MaxStreamVersion,
		MinSecurityVersion: MinSecurityVersion,
		MaxSecurityVersion: MaxSecurityVersion,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVersionResolutionFailed, err)
	}

	if err := r.send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrVersionResolutionFailed, err)
	}
	r.state = stateAwaitingVersions
	return nil
}

// HandleMessage feeds a characteristic value update to the resolver. The
// completion fires exactly once, on agreement or on failure.
func (r *Resolver) HandleMessage(data []byte) {
	switch r.state {
	case stateAwaitingVersions:
		r.handleVersions(data)
	case stateAwaitingCapabilities:
		// The car acknowledges capabilities with any payload; the content
		// is informational for feature negotiation above the core.
		r.finish(nil)
	default:
		// Late or duplicate delivery; the completion already fired.
	}
}

// handleVersions resolves the peer's announced ranges against ours.
func (r *Resolver) handleVersions(data []byte) {
	peer, err := wire.DecodeVersionExchange(data)
	if err != nil {
		r.finish(fmt.Errorf("%w: %v", ErrVersionResolutionFailed, err))
		return
	}

	streamVersion, ok := resolveRange(MinStreamVersion, MaxStreamVersion, peer.MinStreamVersion, peer.MaxStreamVersion)
	if !ok {
		r.finish(fmt.Errorf("%w: stream %d..%d", ErrVersionNotSupported, peer.MinStreamVersion, peer.MaxStreamVersion))
		return
	}

	securityVersion, ok := resolveRange(MinSecurityVersion, MaxSecurityVersion, peer.MinSecurityVersion, peer.MaxSecurityVersion)
	if !ok {
		r.finish(fmt.Errorf("%w: security %d..%d", ErrVersionNotSupported, peer.MinSecurityVersion, peer.MaxSecurityVersion))
		return
	}

	r.resolution = Resolution{StreamVersion: streamVersion, SecurityVersion: securityVersion}

	if !r.capabilitiesEnabled {
		r.finish(nil)
		return
	}

	capData, err := wire.EncodeCapabilitiesExchange(r.capabilitiesExchange)
	if err != nil {
		r.finish(fmt.Errorf("%w: %v", ErrVersionResolutionFailed, err))
		return
	}
	if err := r.send(capData); err != nil {
		r.finish(fmt.Errorf("%w: %v", ErrVersionResolutionFailed, err))
		return
	}
	r.state = stateAwaitingCapabilities
}

// finish fires the completion once and parks the resolver.
func (r *Resolver) finish(err error) {
	if r.state == stateDone {
		return
	}
	r.state = stateDone
	if err != nil {
		r.completion(Resolution{}, err)
		return
	}
	r.completion(r.resolution, nil)
}

// resolveRange picks the highest version inside both ranges.
func resolveRange(ourMin, ourMax, peerMin, peerMax uint8) (uint8, bool) {
	high := ourMax
	if peerMax < high {
		high = peerMax
	}
	if high < ourMin || high < peerMin {
		return 0, false
	}
	return high, true
}

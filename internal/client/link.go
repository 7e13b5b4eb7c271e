package client

import (
	"fmt"
	"sync"

	"jamlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type linkRole int

const (
	roleInitiator linkRole = iota
	roleResponder
)

func (r linkRole) String() string {
	if r == roleInitiator {
		return "initiator"
	}
	return "responder"
}

type linkState int

const (
	linkIdle linkState = iota
	linkOffering   // offer sent, awaiting answer
	linkAnswering  // offer received, answer being generated
	linkConnecting // negotiation complete, transport establishing
	linkConnected  // data channel open
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkIdle:
		return "idle"
	case linkOffering:
		return "offering"
	case linkAnswering:
		return "answering"
	case linkConnecting:
		return "connecting"
	case linkConnected:
		return "connected"
	case linkClosed:
		return "closed"
	}
	return "unknown"
}

// peerLink is one negotiation state machine toward one remote peer. Remote
// candidates arriving before the remote description are queued FIFO and
// flushed, in receipt order, the moment the description is applied.
type peerLink struct {
	remote domain.PeerID
	role   linkRole

	mu        sync.Mutex
	state     linkState
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// Local candidates gathered before our offer or answer went out. The
	// remote side drops candidates for peers it has no link to yet, so ours
	// must never reach the socket ahead of the session description.
	descSent bool
	outbound []webrtc.ICECandidateInit
}

func newPeerLink(remote domain.PeerID, role linkRole) *peerLink {
	return &peerLink{
		remote: remote,
		role:   role,
		state:  linkIdle,
	}
}

func (l *peerLink) currentState() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *peerLink) setState(s linkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// transition moves the link from one expected state to another. It reports
// false when the link is no longer in the expected state, which covers both
// stale callbacks after teardown and out-of-sequence envelopes.
func (l *peerLink) transition(from, to linkState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != from {
		return false
	}
	l.state = to
	return true
}

// applyRemoteDescription sets the remote description and flushes queued
// candidates in receipt order.
func (l *peerLink) applyRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == linkClosed {
		return fmt.Errorf("link to %s is closed", l.remote)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description for %s: %w", l.remote, err)
	}
	l.remoteSet = true

	for _, candidate := range l.pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("apply queued candidate for %s: %w", l.remote, err)
		}
	}
	l.pending = nil
	return nil
}

// addCandidate applies a remote candidate immediately once the remote
// description is set, otherwise queues it.
func (l *peerLink) addCandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == linkClosed {
		return nil // late candidate for a torn-down link, drop
	}
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		return nil
	}
	if err := l.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("apply candidate for %s: %w", l.remote, err)
	}
	return nil
}

// pendingCount reports the queued-candidate backlog.
func (l *peerLink) pendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// deferCandidate holds a locally gathered candidate when the session
// description has not been sent yet. Reports true when the candidate was
// swallowed (queued, or the link is closed); false means send it now.
func (l *peerLink) deferCandidate(c webrtc.ICECandidateInit) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == linkClosed {
		return true
	}
	if !l.descSent {
		l.outbound = append(l.outbound, c)
		return true
	}
	return false
}

// flushLocalCandidates marks the description as sent and returns whatever
// gathered while it was in flight, in gathering order.
func (l *peerLink) flushLocalCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.descSent = true
	out := l.outbound
	l.outbound = nil
	return out
}

// close tears the link down unconditionally. Idempotent; callbacks that
// complete afterwards see linkClosed and discard their results.
func (l *peerLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == linkClosed {
		return
	}
	l.state = linkClosed
	l.pending = nil
	l.outbound = nil
	if l.pc != nil {
		l.pc.Close()
	}
}

package xds

import (
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is a per-(session, type_url) point in the xDS state-of-the-world
// protocol.
type State int

const (
	StateUnsubscribed State = iota
	StateInitialPending
	StateInSync
	StateUpdatePending
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StateInitialPending:
		return "INITIAL_PENDING"
	case StateInSync:
		return "IN_SYNC"
	case StateUpdatePending:
		return "UPDATE_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Classification is the outcome of feeding one incoming DiscoveryRequest
// through a Session.
type Classification int

const (
	ClassUnknownType Classification = iota
	ClassInitial
	ClassStale
	ClassNack
	ClassAck
)

type typeState struct {
	state                State
	lastSentVersion      string
	lastOutstandingNonce string
}

// Session implements the state machine for one connected proxy, independent
// of transport: it knows nothing about gRPC streams, only the type URLs it
// watches and their version/nonce bookkeeping. The Discovery Server drives
// it from both directions: incoming requests via HandleRequest, outgoing
// pushes via PendingPushes/RecordPush.
type Session struct {
	mu    sync.Mutex
	id    string
	types map[string]*typeState
	log   *logrus.Entry
}

// NewSession creates a session watching exactly typeURLs, all starting
// UNSUBSCRIBED. ADS sessions pass all three resource type URLs; CDS-only or
// RDS-only sessions pass a single one.
func NewSession(id string, typeURLs []string, log *logrus.Entry) *Session {
	types := make(map[string]*typeState, len(typeURLs))
	for _, u := range typeURLs {
		types[u] = &typeState{state: StateUnsubscribed}
	}
	return &Session{id: id, types: types, log: log.WithField("stream_id", id)}
}

// HandleRequest classifies one incoming DiscoveryRequest by nonce and
// error_detail and updates the type's bookkeeping accordingly. errorDetail is whatever
// non-empty string the proxy set on error_detail; callers pass "" when the
// field was unset.
func (s *Session) HandleRequest(typeURL, nonce, errorDetail string) Classification {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.types[typeURL]
	if !ok {
		s.log.WithField("type_url", typeURL).Warn("unknown type_url on stream, ignoring")
		return ClassUnknownType
	}

	switch {
	case nonce == "":
		ts.state = StateInitialPending
		return ClassInitial

	case nonce != ts.lastOutstandingNonce:
		s.log.WithFields(logrus.Fields{
			"type_url": typeURL,
			"nonce":    nonce,
		}).Debug("stale nonce, ignoring")
		return ClassStale

	case errorDetail != "":
		s.log.WithFields(logrus.Fields{
			"type_url": typeURL,
			"nonce":    nonce,
			"error":    errorDetail,
		}).Info("NACK received")
		// The proxy keeps running its previous config. lastSentVersion stays
		// at the NACKed version so the rejected bytes are never re-sent: the
		// next push happens only once the store moves past that version.
		ts.lastOutstandingNonce = ""
		ts.state = StateInSync
		return ClassNack

	default:
		ts.lastOutstandingNonce = ""
		ts.state = StateInSync
		s.log.WithFields(logrus.Fields{
			"type_url": typeURL,
			"version":  ts.lastSentVersion,
		}).Debug("ACK received")
		return ClassAck
	}
}

// PendingPushes returns, in push order, the type URLs this session is owed
// a push for given the store's current version: sessions that are IN_SYNC
// with a stale lastSentVersion. Sessions still awaiting an ACK/NACK
// (INITIAL_PENDING/UPDATE_PENDING) or never subscribed are skipped; a
// store change arriving in that window is coalesced, handled once the
// pending response resolves. The version compared is the store's global
// version, so a mutation of clusters alone also makes an IN_SYNC route type
// owe a push; which resource kind changed is not tracked.
func (s *Session) PendingPushes(storeVersion uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := strconv.FormatUint(storeVersion, 10)
	var owed []string
	for _, typeURL := range PushOrder {
		ts, ok := s.types[typeURL]
		if !ok || ts.state != StateInSync {
			continue
		}
		if ts.lastSentVersion != version {
			owed = append(owed, typeURL)
		}
	}
	return owed
}

// RecordPush marks a push as sent for typeURL: generates a fresh nonce,
// records the tentative version, and moves the type to INITIAL_PENDING (if
// this is its first push) or UPDATE_PENDING (if it was IN_SYNC).
func (s *Session) RecordPush(typeURL string, storeVersion uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.types[typeURL]
	nonce := nextNonce()
	ts.lastOutstandingNonce = nonce
	ts.lastSentVersion = strconv.FormatUint(storeVersion, 10)
	if ts.state == StateInSync {
		ts.state = StateUpdatePending
	} else {
		ts.state = StateInitialPending
	}
	return nonce
}

// State returns the current state for typeURL, for tests and diagnostics.
func (s *Session) State(typeURL string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.types[typeURL]
	if !ok {
		return StateUnsubscribed
	}
	return ts.state
}

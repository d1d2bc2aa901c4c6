// Package auth implements the challenge-response handshake and per-command
// signing for authenticated OTA commands.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/autoota-flasher/internal/protocol"
)

// Authentication errors
var (
	ErrInvalidKey           = errors.New("invalid key")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrCounterExhausted     = errors.New("command counter exhausted")
	ErrClosed               = errors.New("session closed")
)

// State is the handshake state of a session.
type State int

const (
	Unauthenticated State = iota
	ChallengeIssued
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case ChallengeIssued:
		return "challenge-issued"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Exchanger sends one unauthenticated command and returns the response
// payload of a successful answer.
type Exchanger interface {
	Exchange(ctx context.Context, cmd byte, data []byte) ([]byte, error)
}

// Option configures a Session.
type Option func(*Session)

// WithRandom sets the source of host nonces.
func WithRandom(r io.Reader) Option {
	return func(s *Session) {
		s.random = r
	}
}

// WithLogger sets the logger for handshake events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// Session holds the pre-shared key, the derived session key and the command
// counter of one authenticated connection. It is owned by a single client.
type Session struct {
	key        []byte
	sessionKey [protocol.TagSize]byte
	counter    uint32
	state      State
	closed     bool

	random io.Reader
	log    logrus.FieldLogger
}

// NewSession creates an unauthenticated session for the given AES-128 key.
// The key is copied.
func NewSession(key []byte, opts ...Option) (*Session, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key of %d bytes, want %d: %w", len(key), KeySize, ErrInvalidKey)
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Session{
		key:    append([]byte(nil), key...),
		random: rand.Reader,
		log:    discard,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.state
}

// Counter returns the last counter value used for signing.
func (s *Session) Counter() uint32 {
	return s.counter
}

// Handshake runs CHALLENGE and AUTHENTICATE over ex. On success the session
// is Authenticated with a fresh session key and the counter reset. Any failure
// leaves the session Unauthenticated.
func (s *Session) Handshake(ctx context.Context, ex Exchanger) error {
	if s.closed {
		return ErrClosed
	}
	s.Invalidate()

	deviceNonce, err := ex.Exchange(ctx, protocol.CmdChallenge, nil)
	if err != nil {
		return fmt.Errorf("challenge: %w", err)
	}
	if len(deviceNonce) != protocol.NonceSize {
		return fmt.Errorf("challenge nonce of %d bytes: %w", len(deviceNonce), ErrAuthenticationFailed)
	}
	s.state = ChallengeIssued
	s.log.Debug("challenge received")

	hostNonce := make([]byte, protocol.NonceSize)
	if _, err := io.ReadFull(s.random, hostNonce); err != nil {
		s.state = Unauthenticated
		return fmt.Errorf("host nonce: %w", err)
	}

	proof, err := HostProof(s.key, deviceNonce, hostNonce)
	if err != nil {
		s.state = Unauthenticated
		return err
	}

	payload := make([]byte, 0, protocol.NonceSize+protocol.TagSize)
	payload = append(payload, hostNonce...)
	payload = append(payload, proof[:]...)

	answer, err := ex.Exchange(ctx, protocol.CmdAuthenticate, payload)
	if err != nil {
		s.state = Unauthenticated
		if errors.Is(err, ErrAuthenticationFailed) {
			return err
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	expected, err := DeviceProof(s.key, hostNonce, deviceNonce)
	if err != nil {
		s.state = Unauthenticated
		return err
	}
	if subtle.ConstantTimeCompare(answer, expected[:]) != 1 {
		s.state = Unauthenticated
		return fmt.Errorf("device proof mismatch: %w", ErrAuthenticationFailed)
	}

	s.sessionKey, err = SessionKey(s.key, deviceNonce, hostNonce)
	if err != nil {
		s.state = Unauthenticated
		return err
	}

	s.counter = 0
	s.state = Authenticated
	s.log.Debug("session authenticated")

	return nil
}

// Sign produces the proof for an authenticated command. Every call consumes a
// new counter value, including calls for retried commands.
func (s *Session) Sign(cmd byte, data []byte) (*protocol.Proof, error) {
	switch s.state {
	case Authenticated:
	case Expired:
		return nil, ErrCounterExhausted
	default:
		return nil, fmt.Errorf("%s: %w", protocol.CommandName(cmd), ErrNotAuthenticated)
	}

	if s.counter == math.MaxUint32 {
		s.expire()
		return nil, ErrCounterExhausted
	}
	s.counter++

	tag, err := CommandTag(s.sessionKey[:], cmd, data, s.counter)
	if err != nil {
		return nil, err
	}

	return &protocol.Proof{Counter: s.counter, Tag: tag}, nil
}

// Invalidate drops the session key, e.g. after a disconnect. The pre-shared
// key is kept so a new handshake can follow.
func (s *Session) Invalidate() {
	zero(s.sessionKey[:])
	s.counter = 0
	s.state = Unauthenticated
}

// Close wipes all key material. The session cannot be used afterwards.
func (s *Session) Close() {
	s.Invalidate()
	zero(s.key)
	s.closed = true
}

func (s *Session) expire() {
	zero(s.sessionKey[:])
	s.state = Expired
	s.log.Warn("command counter exhausted, session expired")
}

package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/cardpilot/card-agent/internal/logging"
)

// settleDelay gives the reader a moment to settle before a reconnect
// attempt after a card was removed or reset.
const settleDelay = 250 * time.Millisecond

// Session owns at most one connection to one reader. APDU exchanges are not
// safely concurrent on a channel, so callers serialize through the gate:
// TryAcquire before an exchange sequence, Release after.
type Session struct {
	factory ContextFactory

	gate sync.Mutex // exchange gate, held for a whole read sequence

	mu     sync.Mutex // guards the fields below
	ctx    SmartCardContext
	card   SmartCard
	reader string
}

func NewSession(factory ContextFactory) *Session {
	return &Session{factory: factory}
}

// Connect enumerates readers and opens a channel to the first one found.
// A missing card is not a failure: the session counts as connected once the
// reader channel itself is open, and the card is opened lazily on the first
// transmit.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		ctx, err := s.factory.EstablishContext()
		if err != nil {
			return err
		}
		s.ctx = ctx
	}

	readers, err := s.ctx.ListReaders()
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		return ErrNoReaderFound
	}

	// No selection policy beyond "first found".
	s.reader = readers[0]

	card, err := s.ctx.Connect(s.reader)
	if err != nil {
		if IsNoCard(err) {
			logging.Info(logging.CatReader, "Reader connected, no card present yet", map[string]any{
				"reader": s.reader,
			})
			return nil
		}
		s.reader = ""
		return fmt.Errorf("failed to connect to reader: %w", err)
	}

	s.card = card
	logging.Info(logging.CatReader, "Reader connected", map[string]any{
		"reader": s.reader,
	})
	return nil
}

// Disconnect releases the channel and context. Idempotent; errors are
// logged and swallowed since the caller is tearing down anyway.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.card != nil {
		if err := s.card.Disconnect(); err != nil {
			logging.Warn(logging.CatReader, "Card disconnect failed", map[string]any{
				"error": err.Error(),
			})
		}
		s.card = nil
	}
	if s.ctx != nil {
		if err := s.ctx.Release(); err != nil {
			logging.Warn(logging.CatReader, "Context release failed", map[string]any{
				"error": err.Error(),
			})
		}
		s.ctx = nil
	}
	if s.reader != "" {
		logging.Info(logging.CatReader, "Reader disconnected", map[string]any{
			"reader": s.reader,
		})
		s.reader = ""
	}
}

// Connected reports whether a reader channel is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader != ""
}

// Reader returns the name of the connected reader, or "".
func (s *Session) Reader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader
}

// TryAcquire takes the exchange gate without blocking. Returns ErrBusy when
// another exchange sequence is in flight.
func (s *Session) TryAcquire() error {
	if !s.gate.TryLock() {
		return ErrBusy
	}
	return nil
}

// Release returns the exchange gate.
func (s *Session) Release() {
	s.gate.Unlock()
}

// Transmit sends one APDU and splits the response into payload and status
// words. On a transient card fault (removed/reset) it attempts a single
// reconnect on the existing channel and retries once, keeping the reader
// ready across momentary card movement. Callers must hold the gate.
func (s *Session) Transmit(cmd []byte) (data []byte, sw1, sw2 byte, err error) {
	rsp, err := s.exchange(cmd)
	if err != nil && IsTransientFault(err) {
		logging.Info(logging.CatReader, "Transient card fault, reconnecting", map[string]any{
			"error": err.Error(),
		})
		time.Sleep(settleDelay)
		if rerr := s.reconnect(); rerr == nil {
			rsp, err = s.exchange(cmd)
		}
	}
	if err != nil {
		return nil, 0, 0, err
	}
	if len(rsp) < 2 {
		return nil, 0, 0, fmt.Errorf("invalid response length: %d", len(rsp))
	}
	return rsp[:len(rsp)-2], rsp[len(rsp)-2], rsp[len(rsp)-1], nil
}

// exchange performs one raw transmit, opening the card lazily if the
// session connected while no card was present.
func (s *Session) exchange(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	if s.reader == "" {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.card == nil {
		card, err := s.ctx.Connect(s.reader)
		if err != nil {
			s.mu.Unlock()
			if IsNoCard(err) {
				return nil, ErrNoCard
			}
			return nil, err
		}
		s.card = card
	}
	card := s.card
	s.mu.Unlock()

	return card.Transmit(cmd)
}

// reconnect recovers the channel after a card removal or reset. If the
// existing handle cannot be reconnected it is dropped so the next exchange
// re-opens the card from scratch.
func (s *Session) reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.card == nil {
		return ErrNotConnected
	}
	if err := s.card.Reconnect(); err != nil {
		s.card = nil
		return err
	}
	return nil
}

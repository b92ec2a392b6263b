package core

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"

	"github.com/cardpilot/card-agent/internal/logging"
)

// PCSCFactory is the production factory backed by the platform PC/SC stack.
type PCSCFactory struct{}

func (PCSCFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &pcscContext{ctx: ctx}, nil
}

// UnavailableFactory stands in when no PC/SC stack is usable on the host.
// It reports an empty reader list so every connect attempt surfaces
// ErrNoReaderFound instead of crashing on a missing driver.
type UnavailableFactory struct{}

func (UnavailableFactory) EstablishContext() (SmartCardContext, error) {
	return unavailableContext{}, nil
}

// DetectFactory probes the PC/SC stack once and returns the real factory,
// or UnavailableFactory when the daemon/driver is missing.
func DetectFactory() ContextFactory {
	ctx, err := scard.EstablishContext()
	if err != nil {
		logging.Warn(logging.CatReader, "PC/SC unavailable, running without reader support", map[string]any{
			"error": err.Error(),
		})
		return UnavailableFactory{}
	}
	_ = ctx.Release()
	return PCSCFactory{}
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		// Some platforms report an error rather than an empty list.
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

func (c *pcscContext) Connect(reader string) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Reconnect() error {
	return c.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.LeaveCard)
}

func (c *pcscCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}

type unavailableContext struct{}

func (unavailableContext) ListReaders() ([]string, error) { return nil, nil }

func (unavailableContext) Connect(reader string) (SmartCard, error) {
	return nil, ErrNoReaderFound
}

func (unavailableContext) Release() error { return nil }

// IsTransientFault reports whether err is a card-removed or card-reset
// condition. These are recovered by a single reconnect, not surfaced as
// hard errors.
func IsTransientFault(err error) bool {
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard)
}

// IsNoCard reports whether err means the reader is up but no card is on it.
func IsNoCard(err error) bool {
	return errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, ErrNoCard)
}

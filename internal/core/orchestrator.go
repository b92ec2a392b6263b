package core

import (
	"errors"
	"sync/atomic"

	"github.com/cardpilot/card-agent/internal/deliver"
	"github.com/cardpilot/card-agent/internal/history"
	"github.com/cardpilot/card-agent/internal/logging"
)

// ReadResult is the outcome of one successful read attempt. Delivery
// failures do not invalidate the read itself, so Copied is reported
// alongside the number rather than as an error.
type ReadResult struct {
	CardNumber string `json:"cardNumber"`
	Canonical  bool   `json:"canonical"`
	Copied     bool   `json:"copied"`
}

// Orchestrator exposes the single read operation shared by every front-end:
// presence check, SELECT, extraction with the query fallback, then history
// append and sink delivery.
type Orchestrator struct {
	session *Session
	engine  *Engine
	ledger  *history.Ledger
	sink    deliver.Sink

	// autoDeliver gates sink delivery on successful reads; consulted per
	// read so a settings change applies immediately.
	autoDeliver func() bool

	available bool
	reading   atomic.Bool
}

// NewOrchestrator wires a session over the given factory. available should
// be false when the factory is the PC/SC-unavailable fallback. autoDeliver
// may be nil, meaning always deliver.
func NewOrchestrator(factory ContextFactory, ledger *history.Ledger, sink deliver.Sink, autoDeliver func() bool) *Orchestrator {
	_, unavailable := factory.(UnavailableFactory)
	session := NewSession(factory)
	return &Orchestrator{
		session:     session,
		engine:      NewEngine(session),
		ledger:      ledger,
		sink:        sink,
		autoDeliver: autoDeliver,
		available:   !unavailable,
	}
}

// Available reports whether a real PC/SC stack backs this orchestrator.
func (o *Orchestrator) Available() bool { return o.available }

// Connected reports whether the reader session is open.
func (o *Orchestrator) Connected() bool { return o.session.Connected() }

// Reading reports whether a read or probe is currently in flight.
func (o *Orchestrator) Reading() bool { return o.reading.Load() }

// Reader returns the connected reader name, or "".
func (o *Orchestrator) Reader() string { return o.session.Reader() }

// Connect opens the reader session.
func (o *Orchestrator) Connect() error { return o.session.Connect() }

// Disconnect closes the reader session. Idempotent.
func (o *Orchestrator) Disconnect() { o.session.Disconnect() }

// Detect runs the presence probe. Returns ErrNotConnected before a session
// is open and ErrBusy while another exchange holds the channel.
func (o *Orchestrator) Detect() (bool, error) {
	if !o.session.Connected() {
		return false, ErrNotConnected
	}
	if err := o.session.TryAcquire(); err != nil {
		return false, err
	}
	defer o.session.Release()
	return o.engine.CheckPresence(), nil
}

// ReadCard runs the full read sequence for an on-demand caller, delivering
// to the sink on success. Failure reasons are the sentinel errors in
// errors.go; all of them are local to this attempt and leave the session
// usable.
func (o *Orchestrator) ReadCard() (*ReadResult, error) {
	return o.readCard(true)
}

// PollRead runs the read sequence without sink delivery. The auto-read loop
// uses it every tick and delivers only when a new card shows up, so a card
// resting on the reader is not re-copied once a second.
func (o *Orchestrator) PollRead() (*ReadResult, error) {
	return o.readCard(false)
}

func (o *Orchestrator) readCard(deliverSink bool) (*ReadResult, error) {
	if !o.session.Connected() {
		return nil, ErrNotConnected
	}
	if err := o.session.TryAcquire(); err != nil {
		return nil, err
	}
	defer o.session.Release()

	o.reading.Store(true)
	defer o.reading.Store(false)

	if !o.engine.CheckPresence() {
		return nil, ErrNoCard
	}

	selectResp, err := o.engine.SelectApplication()
	if err != nil {
		return nil, err
	}

	number, ok := ExtractCardNumber(selectResp)
	if !ok {
		// The SELECT response was unusable; fall back to the secondary
		// query command, once.
		queryResp, qerr := o.engine.QueryCardNumber()
		if qerr == nil {
			number, ok = ExtractCardNumber(queryResp)
		}
	}
	if !ok {
		return nil, ErrExtractionFailed
	}

	result := &ReadResult{
		CardNumber: number,
		Canonical:  IsCanonical(number),
	}

	o.ledger.Append(number)

	if deliverSink {
		result.Copied = o.DeliverAuto(number)
		logging.Info(logging.CatCard, "Card read", map[string]any{
			"cardNumber": number,
			"canonical":  result.Canonical,
			"copied":     result.Copied,
		})
	} else {
		logging.Debug(logging.CatCard, "Card read", map[string]any{
			"cardNumber": number,
			"canonical":  result.Canonical,
		})
	}
	return result, nil
}

// DeliverAuto delivers when the auto-deliver gate allows it.
func (o *Orchestrator) DeliverAuto(number string) bool {
	if o.sink == nil {
		return false
	}
	if o.autoDeliver != nil && !o.autoDeliver() {
		return false
	}
	return o.sink.Deliver(number)
}

// Deliver pushes an arbitrary card number to the configured sink, for the
// copy endpoint and history re-copy actions.
func (o *Orchestrator) Deliver(number string) bool {
	if o.sink == nil {
		return false
	}
	return o.sink.Deliver(number)
}

// IsSoftFailure reports whether err is a routine per-attempt failure that
// front-ends surface as a warning rather than an error response.
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrNoCard) ||
		errors.Is(err, ErrSelectFailed) ||
		errors.Is(err, ErrQueryFailed) ||
		errors.Is(err, ErrExtractionFailed)
}

package core

import (
	"errors"
	"sync"
	"time"

	"github.com/cardpilot/card-agent/internal/logging"
)

// Event is pushed to subscribers by the auto-read loop, in the order reads
// completed.
type Event struct {
	Type       string      `json:"type"` // "card_detected" or "card_removed"
	CardNumber string      `json:"cardNumber,omitempty"`
	Result     *ReadResult `json:"result,omitempty"`
	Time       time.Time   `json:"time"`
}

const (
	EventCardDetected = "card_detected"
	EventCardRemoved  = "card_removed"
)

// Poller runs the read sequence on a fixed interval. A card is reported
// once while it stays on the reader; removing it clears the last-seen
// number so the same card re-presented later counts as a new event.
type Poller struct {
	orch     *Orchestrator
	interval time.Duration
	events   chan Event

	stopOnce sync.Once
	stop     chan struct{}

	// lastNumber is only touched by the poll goroutine.
	lastNumber string
}

func NewPoller(orch *Orchestrator, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		orch:     orch,
		interval: interval,
		events:   make(chan Event, 64),
		stop:     make(chan struct{}),
	}
}

// Events returns the subscription channel. It is closed when the poller
// stops.
func (p *Poller) Events() <-chan Event { return p.events }

// Start launches the poll loop on its own goroutine so UI threads and HTTP
// handlers never block on hardware I/O.
func (p *Poller) Start() {
	go p.run()
}

// Stop prevents further transmits from being scheduled. Idempotent and safe
// to call from any goroutine; an in-flight exchange is allowed to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) run() {
	defer logging.RecoverAndLog("auto-read loop", false)
	defer close(p.events)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	result, err := p.orch.PollRead()
	if err != nil {
		switch {
		case errors.Is(err, ErrBusy):
			// A manual read holds the channel; try again next tick.
		case errors.Is(err, ErrNoCard), errors.Is(err, ErrNotConnected):
			if p.lastNumber != "" {
				p.lastNumber = ""
				p.emit(Event{Type: EventCardRemoved, Time: time.Now()})
			}
		default:
			// Command-level rejections during card placement are routine.
			logging.Debug(logging.CatCard, "Auto-read attempt failed", map[string]any{
				"error": err.Error(),
			})
		}
		return
	}

	// Validation gate: only full-width numbers auto-trigger, so removal
	// transients never fire delivery on a truncated read.
	if !result.Canonical {
		logging.Debug(logging.CatCard, "Ignoring non-canonical card number", map[string]any{
			"cardNumber": result.CardNumber,
		})
		return
	}

	if result.CardNumber == p.lastNumber {
		return
	}
	p.lastNumber = result.CardNumber
	result.Copied = p.orch.DeliverAuto(result.CardNumber)
	p.emit(Event{
		Type:       EventCardDetected,
		CardNumber: result.CardNumber,
		Result:     result,
		Time:       time.Now(),
	})
}

func (p *Poller) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		logging.Warn(logging.CatCard, "Event channel full, dropping event", map[string]any{
			"type": ev.Type,
		})
	}
}

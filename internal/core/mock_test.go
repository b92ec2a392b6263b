package core

import (
	"encoding/hex"
	"sync"

	"github.com/ebfe/scard"
)

// mockFactory implements ContextFactory for testing
type mockFactory struct {
	ctx *mockContext
	err error
}

func (f *mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// mockContext implements SmartCardContext for testing
type mockContext struct {
	mu         sync.Mutex
	readers    []string
	card       *mockCard
	connectErr error
	connects   int
	released   bool
}

// newMockContext creates a context with one reader and the given card.
// card may be nil, in which case Connect reports no card present.
func newMockContext(card *mockCard) *mockContext {
	return &mockContext{
		readers: []string{"ACS ACR122U PICC Interface"},
		card:    card,
	}
}

func (m *mockContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers, nil
}

func (m *mockContext) Connect(reader string) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	if m.card == nil {
		return nil, scard.ErrNoSmartcard
	}
	return m.card, nil
}

func (m *mockContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

// placeCard makes a card available to subsequent Connect calls.
func (m *mockContext) placeCard(card *mockCard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.card = card
}

// mockCard implements SmartCard with scripted responses keyed by the hex
// encoding of the command APDU. Responses include the trailing status words.
type mockCard struct {
	mu           sync.Mutex
	responses    map[string][]byte
	failNext     error // returned by the next Transmit, then cleared
	transmits    [][]byte
	reconnects   int
	reconnectErr error
	disconnected bool
}

func newMockCard() *mockCard {
	return &mockCard{responses: make(map[string][]byte)}
}

// respond scripts a full response (payload + SW) for a command.
func (m *mockCard) respond(cmd, response []byte) *mockCard {
	m.responses[hex.EncodeToString(cmd)] = response
	return m
}

// failOnce makes the next Transmit return err.
func (m *mockCard) failOnce(err error) *mockCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
	return m
}

func (m *mockCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transmits = append(m.transmits, append([]byte(nil), cmd...))

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}

	rsp, ok := m.responses[hex.EncodeToString(cmd)]
	if !ok {
		// Unscripted command: command not allowed
		return []byte{0x69, 0x00}, nil
	}
	return append([]byte(nil), rsp...), nil
}

func (m *mockCard) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	return m.reconnectErr
}

func (m *mockCard) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}

func (m *mockCard) transmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transmits)
}

func (m *mockCard) transmitsFor(cmd []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := hex.EncodeToString(cmd)
	n := 0
	for _, sent := range m.transmits {
		if hex.EncodeToString(sent) == want {
			n++
		}
	}
	return n
}

func (m *mockCard) reconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// withSW appends a status word to a payload.
func withSW(payload []byte, sw1, sw2 byte) []byte {
	return append(append([]byte(nil), payload...), sw1, sw2)
}

// fullCard scripts a card whose SELECT response carries a full 24-byte
// payload. The canonical number extracted from it is "AABBCCDD11223344".
func fullCard() *mockCard {
	payload := make([]byte, 24)
	copy(payload[8:16], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44})
	return newMockCard().
		respond(presenceAPDU, withSW([]byte{0x04, 0x42, 0x48, 0x8A}, 0x90, 0x00)).
		respond(selectAPDU, withSW(payload, 0x90, 0x00)).
		respond(cardNumberAPDU, withSW([]byte{0x12, 0x34, 0x56, 0x78}, 0x90, 0x00))
}

const fullCardNumber = "AABBCCDD11223344"

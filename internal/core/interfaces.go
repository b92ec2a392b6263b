package core

// SmartCardContext represents a PC/SC context for enumerating readers and
// opening card channels.
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string) (SmartCard, error)
	Release() error
}

// SmartCard represents one live channel to a card on a reader.
type SmartCard interface {
	// Transmit sends a raw APDU and returns the full response including
	// the two trailing status bytes.
	Transmit(cmd []byte) ([]byte, error)
	// Reconnect re-establishes the channel after the card was removed or
	// reset, without tearing down the reader handle.
	Reconnect() error
	Disconnect() error
}

// ContextFactory creates SmartCardContext instances.
// This allows for dependency injection and mocking in tests.
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

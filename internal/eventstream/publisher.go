package eventstream

import "context"

// Publisher publishes turn events to an event stream backend.
type Publisher interface {
	PublishTurn(ctx context.Context, event *TurnPersistedEvent) error
	Close() error
}

// NopPublisher is used for tests and when no stream is configured.
type NopPublisher struct{}

func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

// PublishTurn validates input and otherwise does nothing.
func (p *NopPublisher) PublishTurn(_ context.Context, event *TurnPersistedEvent) error {
	if event == nil {
		return ErrNilTurnEvent
	}
	return nil
}

func (p *NopPublisher) Close() error { return nil }

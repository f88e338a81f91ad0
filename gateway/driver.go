package gateway

import (
	"context"

	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

// Driver is the device surface a Gateway drives. *modem.Modem implements it.
type Driver interface {
	Ping(ctx context.Context) error
	Send(ctx context.Context, msg *message.Outbound) (int, error)
	ReadMessages(ctx context.Context, class modem.Class) ([]message.Message, error)
	DeleteMessage(ctx context.Context, loc message.Location, index int) error
	SendUSSD(ctx context.Context, request string, interactive bool) (modem.USSDResponse, error)
	DecodeUSSD(raw string) (modem.USSDResponse, error)
	HangUp(ctx context.Context) error
	SignalLevel(ctx context.Context) (int, error)
	Info() modem.Info
	// Indications reports whether the device pushes new-message events.
	Indications() bool
	URC() <-chan modem.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

var _ Driver = (*modem.Modem)(nil)

// Connector opens a Driver and brings the device up.
type Connector interface {
	Connect(ctx context.Context) (Driver, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Driver, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Driver, error) {
	return f(ctx)
}

// ModemConnector dials a modem with config on every Connect.
func ModemConnector(config modem.Config) Connector {
	return ConnectorFunc(func(ctx context.Context) (Driver, error) {
		m, err := modem.New(ctx, config)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

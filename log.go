package main

import (
	"github.com/rs/zerolog"

	"github.com/stesla/tether/internal/event"
	"github.com/stesla/tether/internal/telnet"
)

// traceProtocol subscribes a trace-level logger to everything the telnet
// engine reports.
func traceProtocol(bus event.Bus, logger zerolog.Logger) {
	t := protocolTracer{logger}
	bus.Subscribe(telnet.EventSend, t)
	bus.Subscribe(telnet.EventNegotiation, t)
	bus.Subscribe(telnet.EventSubnegotiation, t)
	bus.Subscribe(telnet.EventInitialized, t)
}

type protocolTracer struct {
	zerolog.Logger
}

func (t protocolTracer) Handle(ev event.Event) error {
	log := t.Trace().Str("event", string(ev.Name))
	switch d := ev.Data.(type) {
	case []byte:
		log.Bytes("data", d)
	case telnet.Negotiation:
		log.Str("cmd", telnet.CommandName(d.Cmd)).Uint8("option", d.Opt)
	case telnet.Subnegotiation:
		log.Uint8("option", d.Opt)
	}
	log.Send()
	return nil
}

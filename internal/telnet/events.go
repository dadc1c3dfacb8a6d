package telnet

import "github.com/stesla/tether/internal/event"

// EventNegotiation reports a completed WILL/WONT/DO/DONT from the peer.
const EventNegotiation event.Name = "telnet.negotiation"

type Negotiation struct {
	Cmd byte
	Opt byte
}

// EventSubnegotiation reports the option code of an incoming subnegotiation.
// Contents are not retained; the engine handles or discards them byte by byte.
const EventSubnegotiation event.Name = "telnet.subnegotiation"

type Subnegotiation struct {
	Opt byte
}

// EventSend reports protocol bytes the engine queued for the peer.
const EventSend event.Name = "telnet.send"

// EventInitialized reports that the one-shot opening option batch went out.
const EventInitialized event.Name = "telnet.initialized"

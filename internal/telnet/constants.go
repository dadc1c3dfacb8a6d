package telnet

// RFC 854 commands
const (
	SE = 240 + iota // f0
	NOP
	DM
	BRK
	IP
	AO
	AYT
	EC
	EL
	GA
	SB   // fa
	WILL // fb
	WONT // fc
	DO   // fd
	DONT // fe
	IAC  // ff
)

// The options the engine negotiates.
const (
	TransmitBinary  = 0  // RFC 856
	Echo            = 1  // RFC 857
	SuppressGoAhead = 3  // RFC 858
	TerminalType    = 24 // RFC 1091
	NAWS            = 31 // RFC 1073
)

// TTYPE subnegotiation commands (RFC 1091)
const (
	ttypeIs   = 0
	ttypeSend = 1
)

const (
	nul = 0
	cr  = 13
)

func CommandName(b byte) string {
	switch b {
	case SB:
		return "SB"
	case SE:
		return "SE"
	case WILL:
		return "WILL"
	case WONT:
		return "WONT"
	case DO:
		return "DO"
	case DONT:
		return "DONT"
	case IAC:
		return "IAC"
	default:
		return "?"
	}
}

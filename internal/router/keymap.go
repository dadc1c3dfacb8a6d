package router

// Enter key expansions.
const (
	EnterCR = iota
	EnterLF
	EnterCRLF
	EnterCRNUL
)

// Keymap holds the console key translations the operator can toggle at
// runtime. It is shared between the router and the command menu.
type Keymap struct {
	// BackspaceDEL sends DEL for the backspace key instead of BS.
	BackspaceDEL bool

	// EnterKey selects the byte sequence sent for the enter key. Telnet
	// client-to-server may require CR LF or CR NUL.
	EnterKey int
}

func (k *Keymap) EnterBytes() []byte {
	switch k.EnterKey {
	case EnterLF:
		return []byte{lf}
	case EnterCRLF:
		return []byte{cr, lf}
	case EnterCRNUL:
		return []byte{cr, nul}
	default:
		return []byte{cr}
	}
}

// CycleEnter steps to the next enter expansion and returns it.
func (k *Keymap) CycleEnter() int {
	k.EnterKey = (k.EnterKey + 1) % 4
	return k.EnterKey
}

func (k *Keymap) EnterName() string {
	return [...]string{"CR", "LF", "CR+LF", "CR+NUL"}[k.EnterKey]
}

func (k *Keymap) BackspaceName() string {
	if k.BackspaceDEL {
		return "DEL"
	}
	return "BS"
}

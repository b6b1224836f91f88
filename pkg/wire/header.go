package wire

// Version is the only TUIC protocol version this codec understands.
const Version byte = 5

// CmdType identifies which Command variant follows a Header on the wire.
type CmdType byte

const (
	CmdAuth       CmdType = 0
	CmdConnect    CmdType = 1
	CmdPacket     CmdType = 2
	CmdDissociate CmdType = 3
	CmdHeartbeat  CmdType = 4
)

func (c CmdType) String() string {
	switch c {
	case CmdAuth:
		return "Auth"
	case CmdConnect:
		return "Connect"
	case CmdPacket:
		return "Packet"
	case CmdDissociate:
		return "Dissociate"
	case CmdHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

func (c CmdType) valid() bool {
	return c <= CmdHeartbeat
}

// HeaderSize is the fixed two-byte on-wire size of a Header.
const HeaderSize = 2

// Header is the two-byte frame prefix every TUIC command is sent behind.
type Header struct {
	Command CmdType
}

// Encode appends the two-byte header to dst and returns the result.
func (h Header) Encode(dst []byte) []byte {
	return append(dst, Version, byte(h.Command))
}

// DecodeHeader decodes a Header from the front of buf. It returns the
// number of bytes consumed. If buf is shorter than HeaderSize it returns
// ErrShortBuffer and consumes nothing.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < HeaderSize {
		return Header{}, 0, ErrShortBuffer
	}

	if buf[0] != Version {
		return Header{}, 0, &VersionMismatchError{Expect: Version, Actual: buf[0]}
	}

	cmd := CmdType(buf[1])
	if !cmd.valid() {
		return Header{}, 0, &UnknownCommandTypeError{Value: buf[1]}
	}

	return Header{Command: cmd}, HeaderSize, nil
}

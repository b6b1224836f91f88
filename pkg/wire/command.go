package wire

import "encoding/binary"

const (
	uuidSize  = 16
	tokenSize = 32

	// AuthSize is the on-wire size of an Auth command payload (UUID + token).
	AuthSize = uuidSize + tokenSize
	// PacketHeaderSize is the on-wire size of a Packet command payload,
	// excluding the Address and raw bytes that follow it.
	PacketHeaderSize = 2 + 2 + 1 + 1 + 2
	// DissociateSize is the on-wire size of a Dissociate command payload.
	DissociateSize = 2
)

// Command is the tagged union of the five TUIC command payloads. Only the
// fields relevant to Type are meaningful.
type Command struct {
	Type CmdType

	// Auth
	UUID  [uuidSize]byte
	Token [tokenSize]byte

	// Packet
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16

	// Dissociate
	DissociateAssocID uint16
}

// AuthCommand builds a Command carrying an Auth payload.
func AuthCommand(uuid [uuidSize]byte, token [tokenSize]byte) Command {
	return Command{Type: CmdAuth, UUID: uuid, Token: token}
}

// ConnectCommand builds an empty Connect payload.
func ConnectCommand() Command {
	return Command{Type: CmdConnect}
}

// PacketCommand builds a Command carrying a Packet payload.
func PacketCommand(assocID, pktID uint16, fragTotal, fragID uint8, size uint16) Command {
	return Command{
		Type:      CmdPacket,
		AssocID:   assocID,
		PktID:     pktID,
		FragTotal: fragTotal,
		FragID:    fragID,
		Size:      size,
	}
}

// DissociateCommand builds a Command carrying a Dissociate payload.
func DissociateCommand(assocID uint16) Command {
	return Command{Type: CmdDissociate, DissociateAssocID: assocID}
}

// HeartbeatCommand builds an empty Heartbeat payload.
func HeartbeatCommand() Command {
	return Command{Type: CmdHeartbeat}
}

// Encode appends the command's payload (everything after the Header) to
// dst and returns the result.
func (c Command) Encode(dst []byte) []byte {
	switch c.Type {
	case CmdAuth:
		dst = append(dst, c.UUID[:]...)
		dst = append(dst, c.Token[:]...)
		return dst

	case CmdConnect, CmdHeartbeat:
		return dst

	case CmdPacket:
		var hdr [PacketHeaderSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], c.AssocID)
		binary.BigEndian.PutUint16(hdr[2:4], c.PktID)
		hdr[4] = c.FragTotal
		hdr[5] = c.FragID
		binary.BigEndian.PutUint16(hdr[6:8], c.Size)
		return append(dst, hdr[:]...)

	case CmdDissociate:
		var id [2]byte
		binary.BigEndian.PutUint16(id[:], c.DissociateAssocID)
		return append(dst, id[:]...)

	default:
		return dst
	}
}

// DecodeCommand decodes the payload for the command type named by typ from
// the front of buf, returning the bytes consumed. Returns ErrShortBuffer if
// buf does not yet hold the full payload.
func DecodeCommand(typ CmdType, buf []byte) (Command, int, error) {
	switch typ {
	case CmdAuth:
		if len(buf) < AuthSize {
			return Command{}, 0, ErrShortBuffer
		}
		var cmd Command
		cmd.Type = CmdAuth
		copy(cmd.UUID[:], buf[0:uuidSize])
		copy(cmd.Token[:], buf[uuidSize:AuthSize])
		return cmd, AuthSize, nil

	case CmdConnect:
		return Command{Type: CmdConnect}, 0, nil

	case CmdHeartbeat:
		return Command{Type: CmdHeartbeat}, 0, nil

	case CmdPacket:
		if len(buf) < PacketHeaderSize {
			return Command{}, 0, ErrShortBuffer
		}
		cmd := Command{
			Type:      CmdPacket,
			AssocID:   binary.BigEndian.Uint16(buf[0:2]),
			PktID:     binary.BigEndian.Uint16(buf[2:4]),
			FragTotal: buf[4],
			FragID:    buf[5],
			Size:      binary.BigEndian.Uint16(buf[6:8]),
		}
		return cmd, PacketHeaderSize, nil

	case CmdDissociate:
		if len(buf) < DissociateSize {
			return Command{}, 0, ErrShortBuffer
		}
		cmd := Command{Type: CmdDissociate, DissociateAssocID: binary.BigEndian.Uint16(buf[0:2])}
		return cmd, DissociateSize, nil

	default:
		return Command{}, 0, &UnknownCommandTypeError{Value: byte(typ)}
	}
}

package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"unicode/utf8"
)

// AddrType is the one-byte tag in front of an on-wire Address.
type AddrType byte

const (
	AddrDomain AddrType = 0x00
	AddrIPv4   AddrType = 0x01
	AddrIPv6   AddrType = 0x02
	AddrNone   AddrType = 0xFF
)

// maxDomainLength is the largest name the one-byte length prefix can encode.
const maxDomainLength = 255

// Address is a TUIC target address: either absent (used in continuation
// fragments), a domain name, or a raw IPv4/IPv6 address, each paired with a
// port. The zero value is a Domain address with an empty name and port 0
// (AddrDomain is 0x00); use NoneAddress for the absent address.
type Address struct {
	Type   AddrType
	Domain string
	IP     net.IP
	Port   uint16
}

// NoneAddress is the placeholder address used on every fragment after the
// first one of a fragmented Packet.
var NoneAddress = Address{Type: AddrNone}

// NewDomainAddress builds a Domain address value.
func NewDomainAddress(name string, port uint16) Address {
	return Address{Type: AddrDomain, Domain: name, Port: port}
}

// NewIPAddress builds an IPv4 or IPv6 address value depending on the shape
// of ip. Panics if ip is neither a valid 4-byte nor 16-byte address.
func NewIPAddress(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrIPv4, IP: v4, Port: port}
	}
	v6 := ip.To16()
	if v6 == nil {
		panic("wire: invalid IP address")
	}
	return Address{Type: AddrIPv6, IP: v6, Port: port}
}

// Size returns the exact on-wire length of a, without encoding it.
func (a Address) Size() int {
	switch a.Type {
	case AddrNone:
		return 1
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	case AddrDomain:
		return 1 + 1 + len(a.Domain) + 2
	default:
		return 1
	}
}

// String renders a as host:port (IPv4/domain) or [host]:port (IPv6), for
// logging.
func (a Address) String() string {
	switch a.Type {
	case AddrNone:
		return "<none>"
	case AddrDomain:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	case AddrIPv6:
		return fmt.Sprintf("[%s]:%d", a.IP.String(), a.Port)
	default:
		return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
	}
}

// Encode appends the on-wire Address to dst and returns the result and any
// encode-time error (an over-long Domain name, an IP that does not fit its
// IPv4/IPv6 type, or an unknown type).
func (a Address) Encode(dst []byte) ([]byte, error) {
	switch a.Type {
	case AddrNone:
		return append(dst, byte(AddrNone)), nil

	case AddrDomain:
		if len(a.Domain) > maxDomainLength {
			return dst, &DomainTooLongError{Length: len(a.Domain)}
		}
		dst = append(dst, byte(AddrDomain), byte(len(a.Domain)))
		dst = append(dst, a.Domain...)
		return appendPort(dst, a.Port), nil

	case AddrIPv4:
		v4 := a.IP.To4()
		if v4 == nil {
			return dst, fmt.Errorf("wire: address marked IPv4 but IP is %v", a.IP)
		}
		dst = append(dst, byte(AddrIPv4))
		dst = append(dst, v4...)
		return appendPort(dst, a.Port), nil

	case AddrIPv6:
		v6 := a.IP.To16()
		if v6 == nil {
			return dst, fmt.Errorf("wire: address marked IPv6 but IP is %v", a.IP)
		}
		dst = append(dst, byte(AddrIPv6))
		dst = append(dst, v6...)
		return appendPort(dst, a.Port), nil

	default:
		return dst, &UnknownAddressTypeError{Value: byte(a.Type)}
	}
}

func appendPort(dst []byte, port uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(dst, p[:]...)
}

// DecodeAddress decodes an Address from the front of buf and returns the
// number of bytes consumed. Returns ErrShortBuffer if buf does not yet hold
// a complete Address.
func DecodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrShortBuffer
	}

	switch AddrType(buf[0]) {
	case AddrNone:
		return Address{Type: AddrNone}, 1, nil

	case AddrDomain:
		if len(buf) < 2 {
			return Address{}, 0, ErrShortBuffer
		}
		nameLen := int(buf[1])
		total := 2 + nameLen + 2
		if len(buf) < total {
			return Address{}, 0, ErrShortBuffer
		}
		name := buf[2 : 2+nameLen]
		if !utf8.Valid(name) {
			return Address{}, 0, &InvalidDomainError{Raw: fmt.Sprintf("%x", name)}
		}
		port := binary.BigEndian.Uint16(buf[2+nameLen : total])
		return Address{Type: AddrDomain, Domain: string(name), Port: port}, total, nil

	case AddrIPv4:
		const total = 1 + 4 + 2
		if len(buf) < total {
			return Address{}, 0, ErrShortBuffer
		}
		ip := make(net.IP, 4)
		copy(ip, buf[1:5])
		port := binary.BigEndian.Uint16(buf[5:total])
		return Address{Type: AddrIPv4, IP: ip, Port: port}, total, nil

	case AddrIPv6:
		const total = 1 + 16 + 2
		if len(buf) < total {
			return Address{}, 0, ErrShortBuffer
		}
		ip := make(net.IP, 16)
		copy(ip, buf[1:17])
		port := binary.BigEndian.Uint16(buf[17:total])
		return Address{Type: AddrIPv6, IP: ip, Port: port}, total, nil

	default:
		return Address{}, 0, &UnknownAddressTypeError{Value: buf[0]}
	}
}

package wire

import "fmt"

// Capability codes (RFC 5492, RFC 4760, RFC 6793, RFC 2918).
const (
	CapMultiprotocol byte = 1
	CapRouteRefresh  byte = 2
	CapFourOctetASN  byte = 65
)

// Capability is a single TLV carried inside an OPEN optional parameter of
// type 2 (Capabilities, RFC 5492).
type Capability struct {
	Code  byte
	Value []byte
}

// MultiprotocolValue returns the AFI/SAFI pair encoded in a Multiprotocol
// Extensions capability (RFC 4760 §8).
func (c Capability) MultiprotocolValue() (afi uint16, safi byte, ok bool) {
	if c.Code != CapMultiprotocol || len(c.Value) != 4 {
		return 0, 0, false
	}
	return uint16(c.Value[0])<<8 | uint16(c.Value[1]), c.Value[3], true
}

// FourOctetASN returns the ASN encoded in a 4-octet ASN capability
// (RFC 6793 §3).
func (c Capability) FourOctetASN() (uint32, bool) {
	if c.Code != CapFourOctetASN || len(c.Value) != 4 {
		return 0, false
	}
	return uint32(c.Value[0])<<24 | uint32(c.Value[1])<<16 | uint32(c.Value[2])<<8 | uint32(c.Value[3]), true
}

// NewMultiprotocolCapability encodes a Multiprotocol Extensions capability
// for the given AFI/SAFI.
func NewMultiprotocolCapability(afi uint16, safi byte) Capability {
	return Capability{
		Code:  CapMultiprotocol,
		Value: []byte{byte(afi >> 8), byte(afi), 0, safi},
	}
}

// NewFourOctetASNCapability encodes the 4-octet ASN capability.
func NewFourOctetASNCapability(asn uint32) Capability {
	return Capability{
		Code:  CapFourOctetASN,
		Value: []byte{byte(asn >> 24), byte(asn >> 16), byte(asn >> 8), byte(asn)},
	}
}

// NewRouteRefreshCapability encodes the (empty-valued) route refresh
// capability.
func NewRouteRefreshCapability() Capability {
	return Capability{Code: CapRouteRefresh, Value: nil}
}

func (c Capability) bytes() []byte {
	buf := make([]byte, 2+len(c.Value))
	buf[0] = c.Code
	buf[1] = byte(len(c.Value))
	copy(buf[2:], c.Value)
	return buf
}

// encodeCapabilitiesParameter wraps a set of capabilities in an OPEN
// optional parameter of type 2, as RFC 5492 §4 requires.
func encodeCapabilitiesParameter(caps []Capability) []byte {
	var body []byte
	for _, c := range caps {
		body = append(body, c.bytes()...)
	}
	param := make([]byte, 2+len(body))
	param[0] = 2 // parameter type: Capabilities
	param[1] = byte(len(body))
	copy(param[2:], body)
	return param
}

// decodeOptionalParameters walks the OPEN message's Optional Parameters
// field and returns every Capability TLV found inside type-2 parameters.
// Parameter types other than Capabilities are skipped, matching spec.md's treatment of capability negotiation as
// the only optional-parameter content the codec must understand.
func decodeOptionalParameters(raw []byte) ([]Capability, error) {
	var caps []Capability
	i := 0
	for i < len(raw) {
		if i+2 > len(raw) {
			return nil, newDecodeError(NotifOpen, OpenUnsupportedOptionalParam, "truncated optional parameter")
		}
		ptype := raw[i]
		plen := int(raw[i+1])
		i += 2
		if i+plen > len(raw) {
			return nil, newDecodeError(NotifOpen, OpenUnsupportedOptionalParam, "optional parameter length exceeds body")
		}
		value := raw[i : i+plen]
		i += plen
		if ptype != 2 {
			continue
		}
		j := 0
		for j < len(value) {
			if j+2 > len(value) {
				return nil, newDecodeError(NotifOpen, OpenUnsupportedCapability, "truncated capability")
			}
			code := value[j]
			clen := int(value[j+1])
			j += 2
			if j+clen > len(value) {
				return nil, newDecodeError(NotifOpen, OpenUnsupportedCapability, "capability length exceeds parameter")
			}
			caps = append(caps, Capability{Code: code, Value: append([]byte(nil), value[j:j+clen]...)})
			j += clen
		}
	}
	return caps, nil
}

func (c Capability) String() string {
	return fmt.Sprintf("capability(code=%d len=%d)", c.Code, len(c.Value))
}

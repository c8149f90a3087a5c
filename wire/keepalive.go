package wire

// KeepaliveMessage carries no body; its presence on the wire is the
// entire message (RFC 4271 §4.4).
type KeepaliveMessage struct{}

func (m *KeepaliveMessage) Type() Type    { return TypeKeepalive }
func (m *KeepaliveMessage) marshal() []byte { return nil }

package netstack

import (
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// buildEchoReply parses an inbound ICMPv4 message and, if it is an echo
// request, returns the marshaled echo reply (same id/seq/data, type
// flipped). x/net/icmp's Message/ParseMessage operate purely on the wire
// bytes -- no host socket involved -- which is exactly the "marshal a
// struct, don't hand-roll the wire format" shape the rest of the stack
// follows (golang.org/x/net/ipv4.Header in netstack.go, for instance).
func buildEchoReply(payload []byte) ([]byte, bool) {
	msg, err := icmp.ParseMessage(protoICMP, payload)
	if err != nil {
		return nil, false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || msg.Type != ipv4.ICMPTypeEcho {
		return nil, false
	}
	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{
			ID:   echo.ID,
			Seq:  echo.Seq,
			Data: echo.Data,
		},
	}
	raw, err := reply.Marshal(nil)
	if err != nil {
		return nil, false
	}
	return raw, true
}

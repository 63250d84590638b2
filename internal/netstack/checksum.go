package netstack

import (
	"encoding/binary"
	"net"

	"golang.org/x/net/ipv4"
)

// checksum is the generic Internet checksum (RFC 1071), used for both
// ICMP and as the seed for TCP/UDP.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderChecksum sums the IPv4 pseudo-header fields that the UDP and
// TCP checksums cover in addition to their own segment.
func pseudoHeaderChecksum(src, dst net.IP, protocol int, length int) uint32 {
	sum := uint32(0)
	s, d := src.To4(), dst.To4()
	sum += uint32(binary.BigEndian.Uint16(s[0:2]))
	sum += uint32(binary.BigEndian.Uint16(s[2:4]))
	sum += uint32(binary.BigEndian.Uint16(d[0:2]))
	sum += uint32(binary.BigEndian.Uint16(d[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func udpChecksum(src, dst net.IP, payload []byte) uint16 {
	ps := pseudoHeaderChecksum(src, dst, protoUDP, len(payload))
	return checksumWithInitial(payload, ps)
}

func tcpChecksum(src, dst net.IP, payload []byte) uint16 {
	ps := pseudoHeaderChecksum(src, dst, protoTCP, len(payload))
	return checksumWithInitial(payload, ps)
}

// fixIPv4Checksum recomputes and writes the IPv4 header checksum in place.
// ipv4.Header.Marshal (used by transmitIPv4) leaves it zeroed; Aurora's
// stack is the only IP layer on this machine, so nothing else would ever
// fill it in.
func fixIPv4Checksum(packet []byte) {
	if len(packet) < ipv4.HeaderLen {
		return
	}
	hdr := packet[:ipv4.HeaderLen]
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	check := checksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], check)
}

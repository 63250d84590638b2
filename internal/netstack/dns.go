package netstack

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/aurora-os/aurora/internal/kerrno"
)

const dnsServerPort = 53

// dnsQueryTimeout bounds how long Resolve waits for a reply before giving up.
const dnsQueryTimeout = 2 * time.Second

// Resolve sends a single in-kernel DNS A-record query for name to the
// gateway address and returns the first answer. Aurora has no resolving
// caches, retries, or recursion: this is the minimal stub a connect-by-name
// syscall path needs, not a resolver service, the opposite direction from
// a dns.Server answering queries from guest VMs, since Aurora has no
// guests underneath it. What carries over is miekg/dns's message
// marshaling: building and parsing *dns.Msg on the wire
// is the same regardless of which end sends first.
func (ns *Stack) Resolve(name string) (net.IP, error) {
	conn, err := ns.UDPBind(0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), dns.TypeA)
	query.RecursionDesired = true
	packed, err := query.Pack()
	if err != nil {
		return nil, err
	}

	if err := conn.SendTo(ns.GatewayIP(), dnsServerPort, packed); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(dnsQueryTimeout)
	for time.Now().Before(deadline) {
		ns.Poll()
		data, from, ok := conn.TryRecvFrom()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if from.Port != dnsServerPort {
			continue
		}
		reply := new(dns.Msg)
		if err := reply.Unpack(data); err != nil {
			continue
		}
		if reply.Id != query.Id || reply.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A, nil
			}
		}
		return nil, fmt.Errorf("dns: no A record for %s", name)
	}
	return nil, kerrno.ETIMEDOUT
}

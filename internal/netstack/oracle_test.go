package netstack

// Oracle tests pair Stack against gvisor.dev/gvisor's pkg/tcpip, the same
// pairing a host-side NIC emulation would use to validate itself against a
// known-good guest stack. Aurora flips the roles: gVisor plays Aurora's
// single neighbor at 10.0.2.2 (Aurora's own configured gateway address),
// reachable over a channel.Endpoint instead of a real virtio-net device.
// fakeLink implements netstack.Link directly, the same three methods
// internal/virtio.Net implements for the real device.

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const oracleNICID tcpip.NICID = 1

var oraclePeerIP = net.IPv4(10, 0, 2, 2) // matches Stack's fixed gatewayIP

type fakeLink struct {
	mac net.HardwareAddr
	ch  *channel.Endpoint
}

func (f *fakeLink) MAC() net.HardwareAddr { return f.mac }

func (f *fakeLink) Send(frame []byte) error {
	out := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(out),
	})
	f.ch.InjectInbound(0, pkt)
	return nil
}

func (f *fakeLink) Poll(deliver func(frame []byte)) {
	for {
		pkt := f.ch.Read()
		if pkt == nil {
			return
		}
		b := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		deliver(b)
	}
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

type oracleHarness struct {
	ns *Stack
	gs *stack.Stack
}

func newOracleHarness(tb testing.TB) *oracleHarness {
	tb.Helper()

	auroraMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(peerMAC)))
	link := &fakeLink{mac: auroraMAC, ch: ch}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	ns := New(logger, link)

	ep := ethernet.New(ch)
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(oracleNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := gs.AddProtocolAddress(oracleNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   mustAddrFrom4(oraclePeerIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}

	tb.Cleanup(func() { ch.Close() })
	return &oracleHarness{ns: ns, gs: gs}
}

// pollUntil repeatedly polls ns and checks cond until it is true or timeout
// elapses.
func pollUntil(ns *Stack, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ns.Poll()
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestOracleARPResolve(t *testing.T) {
	h := newOracleHarness(t)

	mac, err := h.ns.resolve(h.ns.gatewayIP)
	if err != nil {
		t.Fatalf("resolve gateway: %v", err)
	}
	if len(mac) != 6 {
		t.Fatalf("unexpected resolved mac %v", mac)
	}
}

func TestOracleICMPEcho(t *testing.T) {
	// gVisor's echo path runs through a raw endpoint, which needs more
	// harness plumbing than the rest of these tests; skipped for now.
	t.Skip("TODO: exercise ICMP echo against a gvisor raw endpoint")
}

func TestOracleUDPEcho(t *testing.T) {
	h := newOracleHarness(t)

	conn, err := h.ns.UDPBind(9000)
	if err != nil {
		t.Fatalf("UDPBind: %v", err)
	}
	defer conn.Close()

	var wq waiter.Queue
	ep, twerr := h.gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if twerr != nil {
		t.Fatalf("gvisor new udp endpoint: %v", twerr)
	}
	defer ep.Close()
	if twerr := ep.Bind(tcpip.FullAddress{NIC: oracleNICID, Addr: mustAddrFrom4(oraclePeerIP), Port: 7000}); twerr != nil {
		t.Fatalf("gvisor udp bind: %v", twerr)
	}

	n, twerr := ep.Write(bytes.NewReader([]byte("ping")), tcpip.WriteOptions{
		To: &tcpip.FullAddress{NIC: oracleNICID, Addr: mustAddrFrom4(h.ns.LocalIP()), Port: 9000},
	})
	if twerr != nil {
		t.Fatalf("gvisor udp write: %v", twerr)
	}
	if int(n) != len("ping") {
		t.Fatalf("short gvisor udp write: %d", n)
	}

	var got []byte
	var from net.UDPAddr
	ok := pollUntil(h.ns, 2*time.Second, func() bool {
		data, f, ok := conn.TryRecvFrom()
		if !ok {
			return false
		}
		got, from = data, f
		return true
	})
	if !ok {
		t.Fatalf("timeout waiting for aurora udp recv")
	}
	if string(got) != "ping" {
		t.Fatalf("unexpected aurora udp payload %q", string(got))
	}

	if err := conn.SendTo(from.IP, uint16(from.Port), []byte("pong")); err != nil {
		t.Fatalf("aurora udp send: %v", err)
	}
	h.ns.Poll()

	deadline := time.Now().Add(2 * time.Second)
	for {
		buf := make([]byte, 1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{})
		if terr == nil {
			if string(buf[:rr.Count]) != "pong" {
				t.Fatalf("unexpected gvisor udp payload %q", string(buf[:rr.Count]))
			}
			return
		}
		if _, wouldBlock := terr.(*tcpip.ErrWouldBlock); wouldBlock {
			if time.Now().After(deadline) {
				t.Fatalf("timeout waiting for gvisor udp read")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		t.Fatalf("gvisor udp read: %v", terr)
	}
}

func TestOracleTCPOutbound(t *testing.T) {
	h := newOracleHarness(t)

	ln, err := gonet.ListenTCP(h.gs, tcpip.FullAddress{
		NIC:  oracleNICID,
		Addr: mustAddrFrom4(oraclePeerIP),
		Port: 9090,
	}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("gvisor listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			acceptCh <- c
		}
	}()

	conn, err := h.ns.Dial(oraclePeerIP, 9090)
	if err != nil {
		t.Fatalf("aurora dial: %v", err)
	}
	defer conn.Close()

	if !pollUntil(h.ns, 2*time.Second, func() bool { return conn.State() == tcpStateEstablished }) {
		t.Fatalf("aurora connection never reached ESTABLISHED (state=%s, err=%v)", conn.State(), conn.Err())
	}

	var server net.Conn
	select {
	case server = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for gvisor accept")
	}
	defer server.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("aurora write: %v", err)
	}
	h.ns.Poll()

	buf := make([]byte, 5)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("server read: %v payload=%q", err, string(buf))
	}

	if _, err := server.Write([]byte("world")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	var got []byte
	ok := pollUntil(h.ns, 2*time.Second, func() bool {
		data, dok := conn.TryRead()
		if !dok || data == nil {
			return false
		}
		got = data
		return true
	})
	if !ok {
		t.Fatalf("timeout waiting for aurora read")
	}
	if string(got) != "world" {
		t.Fatalf("unexpected aurora payload %q", string(got))
	}
}

func TestOracleTCPInbound(t *testing.T) {
	h := newOracleHarness(t)

	l, err := h.ns.Listen(8080)
	if err != nil {
		t.Fatalf("aurora listen: %v", err)
	}
	defer l.Close()

	clientCh := make(chan net.Conn, 1)
	clientErrCh := make(chan error, 1)
	go func() {
		c, derr := gonet.DialTCP(h.gs, tcpip.FullAddress{
			NIC:  oracleNICID,
			Addr: mustAddrFrom4(h.ns.LocalIP()),
			Port: 8080,
		}, ipv4.ProtocolNumber)
		if derr != nil {
			clientErrCh <- derr
			return
		}
		clientCh <- c
	}()

	var server *Conn
	ok := pollUntil(h.ns, 3*time.Second, func() bool {
		c, accepted := l.Accept()
		if !accepted {
			return false
		}
		server = c
		return true
	})
	if !ok {
		select {
		case derr := <-clientErrCh:
			t.Fatalf("gvisor dial failed: %v", derr)
		default:
		}
		t.Fatalf("timeout waiting for aurora accept")
	}
	defer server.Close()

	var client net.Conn
	select {
	case client = <-clientCh:
	case derr := <-clientErrCh:
		t.Fatalf("gvisor dial failed: %v", derr)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for gvisor dial to complete")
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var got []byte
	ok = pollUntil(h.ns, 2*time.Second, func() bool {
		data, dok := server.TryRead()
		if !dok || data == nil {
			return false
		}
		got = data
		return true
	})
	if !ok {
		t.Fatalf("timeout waiting for aurora server read")
	}
	if string(got) != "ping" {
		t.Fatalf("unexpected server payload %q", string(got))
	}

	if _, err := server.Write([]byte("pong")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	h.ns.Poll()

	buf := make([]byte, 4)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("client read: %v payload=%q", err, string(buf))
	}
}

package guard

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startDNS serves a fixed zone on a loopback UDP port.
func startDNS(t *testing.T, zone map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		ip, ok := zone[q.Name]
		switch {
		case !ok:
			resp.Rcode = dns.RcodeNameError
		case q.Qtype == dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNS(t, map[string]string{
		"public.test.":   "93.184.216.34",
		"internal.test.": "10.0.0.5",
	})
	r := NewDNSResolver(addr, time.Second)

	addrs, err := r.LookupIPAddr(context.Background(), "public.test")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(addrs) != 1 || !addrs[0].IP.Equal(net.ParseIP("93.184.216.34")) {
		t.Errorf("addrs = %v", addrs)
	}

	if _, err := r.LookupIPAddr(context.Background(), "missing.test"); err == nil {
		t.Error("expected error for NXDOMAIN")
	}
}

func TestGuardWithDNSServer(t *testing.T) {
	addr := startDNS(t, map[string]string{
		"public.test.":   "93.184.216.34",
		"internal.test.": "10.0.0.5",
	})
	g := New(WithDNSServer(addr))
	ctx := context.Background()

	if err := g.CheckURL(ctx, "http://public.test/path"); err != nil {
		t.Errorf("public host blocked: %v", err)
	}
	if g.IsSafeURL(ctx, "http://internal.test/") {
		t.Error("host resolving to a private address was allowed")
	}
	if g.IsSafeURL(ctx, "http://missing.test/") {
		t.Error("unresolvable host was allowed")
	}
}

func TestNewDNSResolverDefaultsPort(t *testing.T) {
	if got := NewDNSResolver("1.1.1.1", time.Second).server; got != "1.1.1.1:53" {
		t.Errorf("server = %q", got)
	}
}

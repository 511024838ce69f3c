package dns

import (
	"context"
	"net"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
)

func startTestDNS(t *testing.T, answers map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := mdns.NewServeMux()
	mux.HandleFunc(".", func(w mdns.ResponseWriter, req *mdns.Msg) {
		resp := new(mdns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		target, ok := answers[q.Name]
		if !ok {
			resp.Rcode = mdns.RcodeNameError
			_ = w.WriteMsg(resp)
			return
		}
		if q.Qtype == mdns.TypeA {
			resp.Answer = append(resp.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 60},
				A:   net.ParseIP(target),
			})
		}
		_ = w.WriteMsg(resp)
	})
	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolverResolves(t *testing.T) {
	addr := startTestDNS(t, map[string]string{"testdeploy-ab12cd34.example.com.": "203.0.113.7"})
	r := NewResolver(addr)

	ok, err := r.Resolves(context.Background(), "testdeploy-ab12cd34.example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatalf("expected name to resolve")
	}

	ok, err = r.Resolves(context.Background(), "missing-00000000.example.com")
	if err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing name not to resolve")
	}
}

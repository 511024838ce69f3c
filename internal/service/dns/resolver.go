package dns

import (
	"context"
	"fmt"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver checks whether a provisioned name answers on a given DNS server.
type Resolver struct {
	server string
	client *mdns.Client
}

// NewResolver queries server ("host:port") over UDP.
func NewResolver(server string) *Resolver {
	return &Resolver{
		server: server,
		client: &mdns.Client{Net: "udp", Timeout: 3 * time.Second},
	}
}

// Resolves reports whether name has at least one A, AAAA or CNAME answer.
func (r *Resolver) Resolves(ctx context.Context, name string) (bool, error) {
	fqdn := mdns.Fqdn(strings.TrimSpace(name))
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA, mdns.TypeCNAME} {
		msg := new(mdns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true
		resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
		if err != nil {
			return false, fmt.Errorf("query %s %s: %w", fqdn, mdns.TypeToString[qtype], err)
		}
		if resp.Rcode == mdns.RcodeNameError {
			return false, nil
		}
		if resp.Rcode != mdns.RcodeSuccess {
			continue
		}
		for _, answer := range resp.Answer {
			switch answer.(type) {
			case *mdns.A, *mdns.AAAA, *mdns.CNAME:
				return true, nil
			}
		}
	}
	return false, nil
}

package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// TXTLookup queries one recursive resolver for the TXT values at fqdn.
type TXTLookup interface {
	LookupTXT(ctx context.Context, server, fqdn string) ([]string, error)
}

// Resolver performs TXT lookups with miekg/dns, bypassing the system resolver cache.
type Resolver struct {
	client *dns.Client
}

// NewResolver creates a Resolver with a per-query timeout.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{client: &dns.Client{Net: "udp", Timeout: timeout}}
}

func (r *Resolver) LookupTXT(ctx context.Context, server, fqdn string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	if in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		if in, _, err = tcp.ExchangeContext(ctx, m, server); err != nil {
			return nil, err
		}
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[in.Rcode])
	}

	var values []string
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

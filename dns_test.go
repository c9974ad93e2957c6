package fleet

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
)

func TestDNSConfiguration(t *testing.T) {
	t.Run("AddRecord rejects invalid addresses", func(t *testing.T) {
		dc := NewDNSConfiguration()
		err := dc.AddRecord("alice.fleet.test", "", "not-an-address")
		if !errors.Is(err, ErrNotIPAddress) {
			t.Fatal("expected ErrNotIPAddress, got", err)
		}
	})

	t.Run("lookup finds canonicalized names", func(t *testing.T) {
		dc := NewDNSConfiguration()
		if err := dc.AddRecord("alice.fleet.test", "", "10.0.0.2"); err != nil {
			t.Fatal(err)
		}
		if _, found := dc.lookup("alice.fleet.test."); !found {
			t.Fatal("expected to find the record")
		}
		if _, found := dc.lookup("bob.fleet.test."); found {
			t.Fatal("expected to not find the record")
		}
	})
}

func TestDNSServerRoundTrip(t *testing.T) {
	config := NewDNSConfiguration()
	if err := config.AddRecord("alice.fleet.test", "", "10.0.0.2"); err != nil {
		t.Fatal(err)
	}

	t.Run("for an existing name", func(t *testing.T) {
		query := newDNSRequestA("alice.fleet.test")
		rawResp, err := dnsServerRoundTrip(config, Must1(query.Pack()))
		if err != nil {
			t.Fatal(err)
		}
		resp := &dns.Msg{}
		if err := resp.Unpack(rawResp); err != nil {
			t.Fatal(err)
		}
		addrs, cname, err := dnsParseResponse(query, resp)
		if err != nil {
			t.Fatal(err)
		}
		if cname != "" {
			t.Fatal("expected no CNAME, got", cname)
		}
		if diff := cmp.Diff([]string{"10.0.0.2"}, addrs); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("for a nonexisting name", func(t *testing.T) {
		query := newDNSRequestA("bob.fleet.test")
		rawResp, err := dnsServerRoundTrip(config, Must1(query.Pack()))
		if err != nil {
			t.Fatal(err)
		}
		resp := &dns.Msg{}
		if err := resp.Unpack(rawResp); err != nil {
			t.Fatal(err)
		}
		if _, _, err := dnsParseResponse(query, resp); !errors.Is(err, ErrDNSNoSuchHost) {
			t.Fatal("expected ErrDNSNoSuchHost, got", err)
		}
	})

	t.Run("for a response with the wrong ID", func(t *testing.T) {
		query := newDNSRequestA("alice.fleet.test")
		rawResp, err := dnsServerRoundTrip(config, Must1(query.Pack()))
		if err != nil {
			t.Fatal(err)
		}
		resp := &dns.Msg{}
		if err := resp.Unpack(rawResp); err != nil {
			t.Fatal(err)
		}
		otherQuery := newDNSRequestA("alice.fleet.test")
		otherQuery.Id = query.Id + 1
		if _, _, err := dnsParseResponse(otherQuery, resp); !errors.Is(err, ErrDNSServerMisbehaving) {
			t.Fatal("expected ErrDNSServerMisbehaving, got", err)
		}
	})

	t.Run("for a query that is itself a response", func(t *testing.T) {
		query := newDNSRequestA("alice.fleet.test")
		query.Response = true
		rawResp, err := dnsServerRoundTrip(config, Must1(query.Pack()))
		if err != nil {
			t.Fatal(err)
		}
		resp := &dns.Msg{}
		if err := resp.Unpack(rawResp); err != nil {
			t.Fatal(err)
		}
		if resp.Rcode != dns.RcodeRefused {
			t.Fatal("expected REFUSED, got", resp.Rcode)
		}
	})

	t.Run("for garbage input", func(t *testing.T) {
		if _, err := dnsServerRoundTrip(config, []byte{0x01}); err == nil {
			t.Fatal("expected an error")
		}
	})
}

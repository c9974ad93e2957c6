package fleet

//
// DNS server and client for node name resolution
//

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// DNSServer resolves node names inside an emulated network. The zero
// value is invalid, please construct using [NewDNSServer].
type DNSServer struct {
	once  sync.Once
	pconn net.PacketConn
	wg    *sync.WaitGroup
}

// NewDNSServer creates a new [DNSServer] instance. Remember to
// call [DNSServer.Close] when you are done using this server.
//
// The ipAddress argument is the IPv4 DNS server address.
func NewDNSServer(
	logger Logger,
	stack UnderlyingNetwork,
	ipAddress string,
	config *DNSConfiguration,
) (*DNSServer, error) {
	parsedIP := net.ParseIP(ipAddress)
	if parsedIP == nil {
		return nil, ErrNotIPAddress
	}

	// create listening server
	udpAddr := &net.UDPAddr{
		IP:   parsedIP,
		Port: 53,
		Zone: "",
	}
	pconn, err := stack.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	// spawn a single worker
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go dnsServerWorker(logger, ipAddress, config, pconn, wg)

	ds := &DNSServer{
		once:  sync.Once{},
		pconn: pconn,
		wg:    wg,
	}
	return ds, nil
}

// Close shuts down the DNS server
func (ds *DNSServer) Close() error {
	ds.once.Do(func() {
		ds.pconn.Close()
		ds.wg.Wait()
	})
	return nil
}

// dnsRecord is a DNS record in the [DNSConfiguration].
type dnsRecord struct {
	// A is the A resource record.
	A []net.IP

	// CNAME is the CNAME.
	CNAME string
}

// DNSConfiguration is the DNS configuration to use. The zero
// value is invalid; please use [NewDNSConfiguration].
type DNSConfiguration struct {
	mu sync.Mutex
	r  map[string]*dnsRecord
}

// NewDNSConfiguration constructs a [DNSConfiguration] instance.
func NewDNSConfiguration() *DNSConfiguration {
	return &DNSConfiguration{
		mu: sync.Mutex{},
		r:  map[string]*dnsRecord{},
	}
}

// AddRecord adds a record to the DNS server's database or returns an error.
func (dc *DNSConfiguration) AddRecord(domain string, cname string, addrs ...string) error {
	var a []net.IP
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			return ErrNotIPAddress
		}
		a = append(a, ip)
	}
	dc.mu.Lock()
	dc.r[dns.CanonicalName(domain)] = &dnsRecord{
		A:     a,
		CNAME: cname,
	}
	dc.mu.Unlock()
	return nil
}

// lookup searches a name inside the [DNSConfiguration].
func (dc *DNSConfiguration) lookup(name string) (*dnsRecord, bool) {
	defer dc.mu.Unlock()
	dc.mu.Lock()
	record, found := dc.r[name]
	return record, found
}

// dnsServerWorker is the [DNSServer] worker.
func dnsServerWorker(
	logger Logger,
	ipAddress string,
	config *DNSConfiguration,
	pconn net.PacketConn,
	wg *sync.WaitGroup,
) {
	logger.Infof("fleet: dns server %s up", ipAddress)
	defer func() {
		logger.Infof("fleet: dns server %s down", ipAddress)
		wg.Done()
	}()

	for {
		// read incoming raw query
		buffer := make([]byte, 8000)
		count, addr, err := pconn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("fleet: dns: pconn.ReadFrom: %s", err.Error())
			continue
		}
		rawQuery := buffer[:count]

		rawResponse, err := dnsServerRoundTrip(config, rawQuery)
		if err != nil {
			logger.Warnf("fleet: dnsServerRoundTrip: %s", err.Error())
			continue
		}

		_, _ = pconn.WriteTo(rawResponse, addr)
	}
}

// dnsServerRoundTrip responds to a raw DNS query with a raw DNS response.
func dnsServerRoundTrip(config *DNSConfiguration, rawQuery []byte) ([]byte, error) {
	// parse incoming query
	query := &dns.Msg{}
	if err := query.Unpack(rawQuery); err != nil {
		return nil, err
	}

	// reject blatantly wrong queries
	if query.Response || len(query.Question) != 1 {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeRefused)
		return Must1(resp.Pack()), nil
	}

	// find the corresponding record
	q0 := query.Question[0]
	if q0.Qclass != dns.ClassINET {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeRefused)
		return Must1(resp.Pack()), nil
	}
	rr, found := config.lookup(q0.Name)

	// handle the NXDOMAIN case
	if !found {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeNameError)
		return Must1(resp.Pack()), nil
	}

	return dnsServerNewSuccessfulResponse(query, q0, rr)
}

// dnsServerNewSuccessfulResponse constructs a successful response.
func dnsServerNewSuccessfulResponse(query *dns.Msg, q0 dns.Question, rr *dnsRecord) ([]byte, error) {
	// fill the response
	resp := &dns.Msg{}
	resp.SetReply(query)

	// insert A entries if needed
	if q0.Qtype == dns.TypeA {
		for _, addr := range rr.A {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:     q0.Name,
					Rrtype:   dns.TypeA,
					Class:    dns.ClassINET,
					Ttl:      3600,
					Rdlength: 0,
				},
				A: addr,
			})
		}
	}

	// insert a CNAME entry if needed
	if rr.CNAME != "" {
		resp.Answer = append(resp.Answer, &dns.CNAME{
			Hdr: dns.RR_Header{
				Name:     q0.Name,
				Rrtype:   dns.TypeCNAME,
				Class:    dns.ClassINET,
				Ttl:      3600,
				Rdlength: 0,
			},
			Target: rr.CNAME,
		})
	}

	return Must1(resp.Pack()), nil
}

// ErrDNSNoAnswer is returned when the server response does not contain any
// answer for the original query (i.e., no IPv4 addresses).
var ErrDNSNoAnswer = errors.New("fleet: dns: no answer from DNS server")

// ErrDNSNoSuchHost is returned in case of NXDOMAIN.
var ErrDNSNoSuchHost = errors.New("fleet: dns: no such host")

// ErrDNSServerMisbehaving is the error we return for cases different from NXDOMAIN.
var ErrDNSServerMisbehaving = errors.New("fleet: dns: server misbehaving")

// dnsRoundTrip performs a DNS round trip using a given [UnderlyingNetwork].
func dnsRoundTrip(
	ctx context.Context,
	stack UnderlyingNetwork,
	ipAddress string,
	query *dns.Msg,
) (*dns.Msg, error) {
	// create an UDP network connection
	addrport := net.JoinHostPort(ipAddress, "53")
	conn, err := stack.DialContext(ctx, "udp", addrport)
	if err != nil {
		return nil, err
	}
	if deadline, good := ctx.Deadline(); good {
		_ = conn.SetDeadline(deadline)
	}
	defer conn.Close()

	// serialize the DNS query
	rawQuery, err := query.Pack()
	if err != nil {
		return nil, err
	}

	// send the query
	if _, err := conn.Write(rawQuery); err != nil {
		return nil, err
	}

	// receive the response from the DNS server
	buffer := make([]byte, 8000)
	count, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}
	rawResponse := buffer[:count]

	// unmarshal the response
	response := &dns.Msg{}
	if err := response.Unpack(rawResponse); err != nil {
		return nil, err
	}
	return response, nil
}

// dnsParseResponse parses a [dns.Msg] into a getaddrinfo response
func dnsParseResponse(query, resp *dns.Msg) ([]string, string, error) {
	// make sure resp is a response and relates to the original query ID
	if !resp.Response {
		return nil, "", ErrDNSServerMisbehaving
	}
	if resp.Id != query.Id {
		return nil, "", ErrDNSServerMisbehaving
	}

	// attempt to map errors like the Go standard library would do
	switch resp.Rcode {
	case dns.RcodeSuccess:
		// continue processing the response
	case dns.RcodeNameError:
		return nil, "", ErrDNSNoSuchHost
	default:
		return nil, "", ErrDNSServerMisbehaving
	}

	// search for A answers and CNAME
	var (
		A     []string
		CNAME string
	)
	for _, answer := range resp.Answer {
		switch v := answer.(type) {
		case *dns.A:
			A = append(A, v.A.String())
		case *dns.CNAME:
			CNAME = v.Target
		}
	}

	// make sure we emit the same error the Go stdlib emits
	if len(A) <= 0 {
		return nil, "", ErrDNSNoAnswer
	}

	return A, CNAME, nil
}

// newDNSRequestA creates a new A request.
func newDNSRequestA(domain string) *dns.Msg {
	query := &dns.Msg{}
	query.RecursionDesired = true
	query.Id = dns.Id()
	query.Question = []dns.Question{{
		Name:   dns.CanonicalName(domain),
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}
	return query
}

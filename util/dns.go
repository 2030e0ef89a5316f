package util

import (
	"fmt"

	"github.com/miekg/dns"
)

// DNSQuestion returns the first question of a raw message for logging,
// empty when the message does not parse.
func DNSQuestion(raw []byte) string {
	var m dns.Msg
	if err := m.Unpack(raw); err != nil || len(m.Question) == 0 {
		return ""
	}

	q := m.Question[0]
	return fmt.Sprintf("%s %s %s", q.Name, dns.ClassToString[q.Qclass], dns.TypeToString[q.Qtype])
}

func DNSNewFailure(source *dns.Msg) *dns.Msg {
	if source == nil {
		return nil
	}

	var target = new(dns.Msg)
	target.SetRcode(source, dns.RcodeServerFailure)
	target.RecursionAvailable = true

	return target
}

// DNSPackFailure builds a packed SERVFAIL answering the raw query, with
// its transaction ID set to id.
func DNSPackFailure(query []byte, id uint16) ([]byte, error) {
	var source = new(dns.Msg)
	if err := source.Unpack(query); err != nil {
		return nil, fmt.Errorf("unpack query error=[%w]", err)
	}

	target := DNSNewFailure(source)
	target.Id = id

	return target.Pack()
}

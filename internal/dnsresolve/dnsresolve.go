// Package dnsresolve extracts DNS question/answer records from the raw
// captured frame a DnsQuery event carries, using gopacket to peel off the
// Ethernet/IP/UDP layers and miekg/dns to parse the DNS message itself.
package dnsresolve

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/watchtower-sec/watchtower/internal/events"
)

// Extract parses raw (an Ethernet frame captured by the kernel-side socket
// filter) and returns the question name plus any A/AAAA answers found in
// the embedded DNS message. CNAME records are not returned.
func Extract(raw []byte) (question string, answers []events.DNSAnswer, err error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return "", nil, errors.New("no udp layer in captured dns frame")
	}
	udp, _ := udpLayer.(*layers.UDP)

	msg := new(dns.Msg)
	if err := msg.Unpack(udp.Payload); err != nil {
		return "", nil, errors.Wrap(err, "unpacking dns message")
	}

	if len(msg.Question) > 0 {
		question = normalizeName(msg.Question[0].Name)
	}

	for _, rr := range msg.Answer {
		switch r := rr.(type) {
		case *dns.A:
			answers = append(answers, events.DNSAnswer{Name: normalizeName(r.Hdr.Name), IP: r.A.String()})
		case *dns.AAAA:
			answers = append(answers, events.DNSAnswer{Name: normalizeName(r.Hdr.Name), IP: r.AAAA.String()})
		case *dns.CNAME:
			// carries no IP of its own; the chain's terminal A/AAAA record
			// supplies the address this name ultimately resolves to.
		}
	}
	return question, answers, nil
}

func normalizeName(name string) string {
	if len(name) > 0 && name[len(name)-1] == '.' {
		return name[:len(name)-1]
	}
	return name
}

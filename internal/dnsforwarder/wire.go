//go:build windows

// Package dnsforwarder implements the DNS Forwarder (C4): a loopback
// UDP+TCP DNS server that tunnels every query to a configured upstream
// over a fresh SOCKS5 connection, with a TTL-respecting cache in front.
package dnsforwarder

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// minQueryLen is the smallest a well-formed DNS message can be (header
// only); shorter messages are dropped (§4.4/§6).
const minQueryLen = 12

var (
	errTooShort          = &wireError{"message too short"}
	errPointerInQuestion = &wireError{"compression pointer in question section"}
	errTruncatedLabel    = &wireError{"truncated label"}
)

type wireError struct{ msg string }

func (e *wireError) Error() string { return "dnsforwarder: " + e.msg }

// parseQuestion extracts the first question's name (lowercased, trailing
// dot), type, and class from a raw DNS message.
func parseQuestion(msg []byte) (name string, qtype, qclass uint16, err error) {
	if len(msg) < minQueryLen {
		return "", 0, 0, errTooShort
	}

	pos := minQueryLen
	var labels []string
	for pos < len(msg) {
		labelLen := int(msg[pos])
		if labelLen == 0 {
			pos++
			break
		}
		if labelLen >= 64 {
			return "", 0, 0, errPointerInQuestion
		}
		pos++
		if pos+labelLen > len(msg) {
			return "", 0, 0, errTruncatedLabel
		}
		labels = append(labels, strings.ToLower(string(msg[pos:pos+labelLen])))
		pos += labelLen
	}
	if pos+4 > len(msg) {
		return "", 0, 0, errTooShort
	}

	qtype = binary.BigEndian.Uint16(msg[pos:])
	qclass = binary.BigEndian.Uint16(msg[pos+2:])
	name = strings.Join(labels, ".") + "."
	return name, qtype, qclass, nil
}

// cacheKey derives the cache lookup key (§4.4: "lowercased QNAME | QTYPE |
// QCLASS").
func cacheKey(name string, qtype, qclass uint16) string {
	return name + "|" + strconv.Itoa(int(qtype)) + "|" + strconv.Itoa(int(qclass))
}

// skipName advances past a DNS name starting at pos, following a single
// compression pointer if present. Returns -1 on malformed input.
func skipName(msg []byte, pos int) int {
	if pos >= len(msg) {
		return -1
	}
	for pos < len(msg) {
		labelLen := int(msg[pos])
		if labelLen == 0 {
			pos++
			break
		}
		if labelLen&0xC0 == 0xC0 {
			if pos+2 > len(msg) {
				return -1
			}
			pos += 2
			break
		}
		pos += 1 + labelLen
		if pos > len(msg) {
			return -1
		}
	}
	return pos
}

// minNonZeroTTL scans the answer/authority/additional sections and returns
// the smallest non-zero TTL found, per §4.4. The second return value is
// false if no RR carried a non-zero TTL.
func minNonZeroTTL(msg []byte) (uint32, bool) {
	if len(msg) < minQueryLen {
		return 0, false
	}
	qdcount := binary.BigEndian.Uint16(msg[4:6])
	ancount := binary.BigEndian.Uint16(msg[6:8])
	nscount := binary.BigEndian.Uint16(msg[8:10])
	arcount := binary.BigEndian.Uint16(msg[10:12])
	totalRR := int(ancount) + int(nscount) + int(arcount)

	pos := minQueryLen
	for i := 0; i < int(qdcount); i++ {
		pos = skipName(msg, pos)
		if pos < 0 || pos+4 > len(msg) {
			return 0, false
		}
		pos += 4
	}

	var min uint32
	found := false
	for i := 0; i < totalRR; i++ {
		pos = skipName(msg, pos)
		if pos < 0 || pos+10 > len(msg) {
			break
		}
		ttl := binary.BigEndian.Uint32(msg[pos+4:])
		rdlen := binary.BigEndian.Uint16(msg[pos+8:])
		pos += 10 + int(rdlen)
		if pos > len(msg) {
			break
		}
		if ttl == 0 {
			continue
		}
		if !found || ttl < min {
			min = ttl
			found = true
		}
	}
	return min, found
}

// withTransactionID returns a copy of response with its first two bytes
// (the transaction id) replaced by id, leaving everything else untouched
// (§4.4: cache hits "overwrite the first 2 bytes... and return").
func withTransactionID(response []byte, id uint16) []byte {
	out := make([]byte, len(response))
	copy(out, response)
	if len(out) >= 2 {
		binary.BigEndian.PutUint16(out[0:2], id)
	}
	return out
}

// transactionID extracts the 16-bit id from bytes 0-1.
func transactionID(msg []byte) uint16 {
	if len(msg) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(msg[0:2])
}

//go:build windows

package dnsforwarder

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"pingtunnel-vpn/internal/core"
)

// dnsFrame wraps a raw DNS message body in the 2-byte-length TCP-DNS
// framing (§4.4: "even for UDP clients").
func dnsFrame(body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(body)))
	copy(out[2:], body)
	return out
}

// exchangeOverSocks5 opens a fresh TCP connection to 127.0.0.1:localSocksPort,
// performs the no-auth SOCKS5 handshake, requests a CONNECT to
// upstream:53, and exchanges one length-prefixed DNS query for one
// length-prefixed DNS response (§4.4's exact exchange recipe). The whole
// exchange must complete within timeout.
func exchangeOverSocks5(localSocksPort int, upstream netip.Addr, query []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localSocksPort), timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := socks5Handshake(conn, upstream, 53); err != nil {
		return nil, err
	}

	if _, err := conn.Write(dnsFrame(query)); err != nil {
		return nil, err
	}

	return readDNSFrame(conn)
}

// socks5Handshake performs the no-auth method negotiation and CONNECT
// request described in §4.4.
func socks5Handshake(conn net.Conn, dest netip.Addr, port uint16) error {
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return err
	}
	var methodReply [2]byte
	if _, err := readFull(conn, methodReply[:]); err != nil {
		return err
	}
	if methodReply[0] != 0x05 || methodReply[1] != 0x00 {
		return &core.SocksHandshakeFailedError{Reason: fmt.Sprintf("unexpected method selection %v", methodReply)}
	}

	if !dest.Is4() {
		return &core.SocksHandshakeFailedError{Reason: "upstream address must be IPv4"}
	}
	req := make([]byte, 0, 10)
	req = append(req, 0x05, 0x01, 0x00, 0x01) // VER=5, CMD=CONNECT, RSV=0, ATYP=IPv4
	ip4 := dest.As4()
	req = append(req, ip4[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	req = append(req, portBuf[:]...)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return err
	}
	if header[1] != 0x00 {
		return &core.SocksHandshakeFailedError{Reason: fmt.Sprintf("connect request failed, status=%d", header[1])}
	}
	// Drain the bound-address field so the connection is left at the
	// start of the reply payload. Its contents are unused.
	switch header[3] {
	case 0x01: // IPv4
		if _, err := readFull(conn, make([]byte, 4+2)); err != nil {
			return err
		}
	case 0x03: // domain name
		var lenBuf [1]byte
		if _, err := readFull(conn, lenBuf[:]); err != nil {
			return err
		}
		if _, err := readFull(conn, make([]byte, int(lenBuf[0])+2)); err != nil {
			return err
		}
	case 0x04: // IPv6
		if _, err := readFull(conn, make([]byte, 16+2)); err != nil {
			return err
		}
	default:
		return &core.SocksHandshakeFailedError{Reason: fmt.Sprintf("unknown bound address type %d", header[3])}
	}
	return nil
}

// readDNSFrame reads a 2-byte big-endian length prefix then exactly that
// many bytes (§4.4).
func readDNSFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	body := make([]byte, n)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

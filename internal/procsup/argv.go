//go:build windows

package procsup

import (
	"fmt"
	"strconv"

	"pingtunnel-vpn/internal/config"
)

// redactedToken is substituted for the auth token in anything that reaches
// a log (§4.2: "the token must not appear in any log message").
const redactedToken = "****"

// ClientArgvOptions carries the optional pieces of the tunnel client's argv
// beyond the mandatory server/port/token (§6).
type ClientArgvOptions struct {
	Encryption    config.EncryptionMode
	EncryptionKey string
	TimeoutSecs   int  // 0 means omit -timeout
	TCPFraming    bool // emits the TCP-framing toggle when true
	LogLevel      string
}

// BuildClientArgv returns the argv for pingtunnel-client (§6):
//
//	-type client -l :<local-port> -s <server> -sock5 1
//	[-key <token>] [-encrypt <mode> -encrypt-key <key>] [-timeout <secs>]
//	[-tcp 1] -loglevel <level>
func BuildClientArgv(server string, localPort int, token string, opts ClientArgvOptions) []string {
	argv := []string{
		"-type", "client",
		"-l", ":" + strconv.Itoa(localPort),
		"-s", server,
		"-sock5", "1",
	}
	if token != "" {
		argv = append(argv, "-key", token)
	}
	if opts.Encryption != "" && opts.Encryption != config.EncryptionNone {
		argv = append(argv, "-encrypt", string(opts.Encryption))
		if opts.EncryptionKey != "" {
			argv = append(argv, "-encrypt-key", opts.EncryptionKey)
		}
	}
	if opts.TimeoutSecs > 0 {
		argv = append(argv, "-timeout", strconv.Itoa(opts.TimeoutSecs))
	}
	if opts.TCPFraming {
		argv = append(argv, "-tcp", "1")
	}
	level := opts.LogLevel
	if level == "" {
		level = "info"
	}
	argv = append(argv, "-loglevel", level)
	return argv
}

// BuildRouterArgv returns the argv for tun2socks (§6):
//
//	-device wintun -proxy socks5://127.0.0.1:<socks-port> -mtu <mtu> -loglevel info
//
// UDP forwarding is deliberately never enabled.
func BuildRouterArgv(socksPort int, mtu int) []string {
	return []string{
		"-device", "wintun",
		"-proxy", fmt.Sprintf("socks5://127.0.0.1:%d", socksPort),
		"-mtu", strconv.Itoa(mtu),
		"-loglevel", "info",
	}
}

// RedactArgv returns a copy of argv with any value following -key replaced
// by redactedToken, safe to pass to a log call.
func RedactArgv(argv []string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	for i, tok := range out {
		if tok == "-key" && i+1 < len(out) {
			out[i+1] = redactedToken
		}
	}
	return out
}

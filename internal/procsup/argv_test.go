//go:build windows

package procsup

import (
	"strings"
	"testing"

	"pingtunnel-vpn/internal/config"
)

func TestBuildClientArgvMinimal(t *testing.T) {
	argv := BuildClientArgv("vpn.example.com", 1080, "", ClientArgvOptions{})
	got := strings.Join(argv, " ")
	want := "-type client -l :1080 -s vpn.example.com -sock5 1 -loglevel info"
	if got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestBuildClientArgvFull(t *testing.T) {
	argv := BuildClientArgv("1.2.3.4", 1081, "secret-token", ClientArgvOptions{
		Encryption:    config.EncryptionAES256,
		EncryptionKey: "enc-key",
		TimeoutSecs:   30,
		TCPFraming:    true,
		LogLevel:      "debug",
	})
	got := strings.Join(argv, " ")
	want := "-type client -l :1081 -s 1.2.3.4 -sock5 1 -key secret-token -encrypt aes256 -encrypt-key enc-key -timeout 30 -tcp 1 -loglevel debug"
	if got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestBuildClientArgvOmitsEncryptionWhenNone(t *testing.T) {
	argv := BuildClientArgv("vpn.example.com", 1080, "tok", ClientArgvOptions{Encryption: config.EncryptionNone})
	for _, a := range argv {
		if a == "-encrypt" {
			t.Fatalf("argv should not contain -encrypt when mode is none: %v", argv)
		}
	}
}

func TestBuildRouterArgv(t *testing.T) {
	argv := BuildRouterArgv(1080, 1420)
	got := strings.Join(argv, " ")
	want := "-device wintun -proxy socks5://127.0.0.1:1080 -mtu 1420 -loglevel info"
	if got != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
	for _, a := range argv {
		if strings.Contains(a, "udp") {
			t.Fatalf("router argv must never enable UDP: %v", argv)
		}
	}
}

func TestRedactArgvHidesToken(t *testing.T) {
	argv := BuildClientArgv("vpn.example.com", 1080, "super-secret", ClientArgvOptions{})
	redacted := RedactArgv(argv)
	joined := strings.Join(redacted, " ")
	if strings.Contains(joined, "super-secret") {
		t.Fatalf("redacted argv still contains the token: %q", joined)
	}
	if !strings.Contains(joined, "****") {
		t.Fatalf("redacted argv missing placeholder: %q", joined)
	}
	// Original argv must be untouched.
	if !strings.Contains(strings.Join(argv, " "), "super-secret") {
		t.Fatalf("RedactArgv mutated its input")
	}
}

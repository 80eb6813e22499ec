package sshexec

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestDialValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"empty host", Config{Username: "alice", Password: "p"}, "host is empty"},
		{"empty username", Config{Host: "web01", Password: "p"}, "username is empty"},
		{"no auth", Config{Host: "web01", Username: "alice"}, "no authentication method"},
		{"bad port", Config{Host: "web01", Username: "alice", Password: "p", Port: 70000}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(ctx, tt.cfg)
			if err == nil {
				t.Fatal("Dial succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDialHonorsContext(t *testing.T) {
	// A listener that never speaks SSH: the handshake stalls and only the
	// context deadline gets the dial unstuck.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = Dial(ctx, Config{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Username:       "alice",
		Password:       "p",
		ConnectTimeout: time.Minute,
	})
	if err == nil {
		t.Fatal("Dial succeeded against a silent listener")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context deadline", err)
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ssh: unable to authenticate, attempted methods [password]"), true},
		{errors.New("ssh: handshake failed: EOF"), true},
		{errors.New("no supported methods remain"), true},
		{errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsAuthError(tt.err); got != tt.want {
			t.Errorf("IsAuthError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

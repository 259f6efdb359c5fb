package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/bedrock-relay/internal/relayerr"
)

func TestNew(t *testing.T) {
	tests := []struct {
		typ     Type
		want    Type
		wantErr bool
	}{
		{TypeRakNet, TypeRakNet, false},
		{"", TypeRakNet, false},
		{TypeQUIC, TypeQUIC, false},
		{"carrier-pigeon", "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			tr, err := New(tt.typ)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			}
			if err == nil && tr.Type() != tt.want {
				t.Errorf("Type() = %q, want %q", tr.Type(), tt.want)
			}
		})
	}
}

func TestMemoryTransport_DialAccept(t *testing.T) {
	tr := NewMemoryTransport()
	l, err := tr.Listen("server:19132")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := tr.Dial(context.Background(), "server:19132")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-accepted

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := server.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Errorf("got %q, want %q", got, "ping")
	}
	if tr.Dials() != 1 {
		t.Errorf("Dials() = %d, want 1", tr.Dials())
	}
	if n := tr.DialsTo("server:19132"); n != 1 {
		t.Errorf("DialsTo(server) = %d, want 1", n)
	}
	if n := tr.DialsTo("other:19132"); n != 0 {
		t.Errorf("DialsTo(other) = %d, want 0", n)
	}
}

func TestMemoryTransport_Refused(t *testing.T) {
	tr := NewMemoryTransport()
	_, err := tr.Dial(context.Background(), "nowhere:1")
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if !relayerr.Retryable(err) {
		t.Error("refused dial should be retryable")
	}
}

func TestMemoryTransport_DuplicateListen(t *testing.T) {
	tr := NewMemoryTransport()
	l, err := tr.Listen("a:1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := tr.Listen("a:1"); err == nil {
		t.Fatal("expected error on duplicate listen")
	}
	l.Close()
	if _, err := tr.Listen("a:1"); err != nil {
		t.Fatalf("Listen after close: %v", err)
	}
}

func TestMemoryTransport_Status(t *testing.T) {
	tr := NewMemoryTransport()
	l, _ := tr.Listen("a:1")
	l.SetStatus([]byte("MCPE;hello;"))

	data, err := tr.Ping(context.Background(), "a:1")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if string(data) != "MCPE;hello;" {
		t.Errorf("status = %q", data)
	}
}

func TestMemoryConn_CloseDeliversQueued(t *testing.T) {
	a, b := Pipe(memoryAddr("a"), memoryAddr("b"))
	a.Write([]byte("one"))
	a.Write([]byte("two"))
	a.Close()

	for _, want := range []string{"one", "two"} {
		got, err := b.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := b.ReadPacket(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("write to closed peer: expected ErrClosed, got %v", err)
	}
}

func TestMemoryTransport_DialCancelled(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Listen("slow:1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody accepts, so the dial waits until the context expires.
	_, err := tr.Dial(ctx, "slow:1")
	if relayerr.KindOf(err) != relayerr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("relay.local", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	cfg, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v", cfg.NextProtos)
	}
}

func TestQUICTransport_Loopback(t *testing.T) {
	tr := NewQUICTransport()
	l, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			done <- err
			return
		}
		msg, err := c.ReadPacket()
		if err != nil {
			done <- err
			return
		}
		_, err = c.Write(append([]byte("echo:"), msg...))
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte{0xfe, 0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := c.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if want := append([]byte("echo:"), 0xfe, 0x01, 0x02); !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
}

package socket

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/transport"
)

type events struct {
	connected chan transport.Handle
	failed    chan error
	lost      chan error
	frames    chan transport.Frame
}

func newEvents() *events {
	return &events{
		connected: make(chan transport.Handle, 1),
		failed:    make(chan error, 1),
		lost:      make(chan error, 1),
		frames:    make(chan transport.Frame, 16),
	}
}

func (e *events) callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnConnected: func(h transport.Handle) { e.connected <- h },
		OnFailed:    func(err error) { e.failed <- err },
		OnLost:      func(err error) { e.lost <- err },
		OnFrame:     func(f transport.Frame) { e.frames <- f },
	}
}

func tenant(transportKind string, endpoints ...string) *config.TenantConfig {
	return &config.TenantConfig{
		ID:             "t1",
		Transport:      transportKind,
		Endpoints:      endpoints,
		Enabled:        true,
		ConnectTimeout: config.Duration(2 * time.Second),
	}
}

func waitHandle(t *testing.T, e *events) transport.Handle {
	t.Helper()
	select {
	case h := <-e.connected:
		return h
	case err := <-e.failed:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	return nil
}

func TestTCP_FramesAndDownlink(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverGot := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("{\"temp\":21}\n\n{\"temp\":22}\n"))
		line, _ := bufio.NewReader(conn).ReadString('\n')
		serverGot <- line
		time.Sleep(100 * time.Millisecond)
	}()

	e := newEvents()
	NewTCP(nil).Dial(context.Background(), tenant(config.TransportTCP, "tcp://"+ln.Addr().String()), e.callbacks())
	h := waitHandle(t, e)
	defer h.Close()
	assert.True(t, h.Alive())

	for _, want := range []string{`{"temp":21}`, `{"temp":22}`} {
		select {
		case f := <-e.frames:
			assert.Equal(t, want, string(f.Payload))
			assert.Equal(t, "tcp://"+ln.Addr().String(), f.Address)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}

	require.NoError(t, h.Publish("", []byte("reboot")))
	select {
	case line := <-serverGot:
		assert.Equal(t, "reboot\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("downlink not received")
	}

	select {
	case err := <-e.lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection lost after server closed")
	}
	assert.False(t, h.Alive())
}

func TestTCP_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	e := newEvents()
	NewTCP(nil).Dial(context.Background(), tenant(config.TransportTCP, addr), e.callbacks())

	select {
	case err := <-e.failed:
		assert.Contains(t, err.Error(), addr)
	case <-e.connected:
		t.Fatal("unexpected connect")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestTCP_CloseDoesNotReportLost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	e := newEvents()
	NewTCP(nil).Dial(context.Background(), tenant(config.TransportTCP, ln.Addr().String()), e.callbacks())
	h := waitHandle(t, e)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.False(t, h.Alive())
	assert.Error(t, h.Publish("", []byte("x")))

	select {
	case <-e.lost:
		t.Fatal("Close must not report a lost connection")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUDP_Datagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	e := newEvents()
	NewUDP(nil).Dial(context.Background(), tenant(config.TransportUDP, pc.LocalAddr().String()), e.callbacks())
	h := waitHandle(t, e)
	defer h.Close()

	require.NoError(t, h.Publish("", []byte("hello")))
	buf := make([]byte, 64)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, client, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = pc.WriteTo([]byte{0x01, 0x02, 0x03}, client)
	require.NoError(t, err)
	select {
	case f := <-e.frames:
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "broker:1883", hostPort("broker:1883"))
	assert.Equal(t, "broker:1883", hostPort("tcp://broker:1883"))
	assert.Equal(t, "10.0.0.1:5683", hostPort("udp://10.0.0.1:5683"))
}

package control

import (
	"net"
	"testing"

	"github.com/tako-run/takod/internal/transport"
)

func TestAppConnRegistryPushDeliversToRegisteredInstance(t *testing.T) {
	reg := NewAppConnRegistry()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	reg.Register("blog", 1, transport.NewConn(server))

	clientConn := transport.NewConn(client)
	received := make(chan map[string]string, 1)
	go func() {
		var msg map[string]string
		clientConn.ReadMessage(&msg)
		received <- msg
	}()

	if sent := reg.Push("blog", map[string]string{"type": "reload_config"}); sent != 1 {
		t.Fatalf("got %d recipients, want 1", sent)
	}
	if msg := <-received; msg["type"] != "reload_config" {
		t.Fatalf("got %+v, want the pushed message delivered to the instance", msg)
	}
}

func TestAppConnRegistryUnregisterStopsDelivery(t *testing.T) {
	reg := NewAppConnRegistry()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	reg.Register("blog", 1, transport.NewConn(server))
	reg.Unregister("blog", 1)

	if sent := reg.Push("blog", map[string]string{"type": "reload_config"}); sent != 0 {
		t.Fatalf("got %d recipients after unregister, want 0", sent)
	}
}

func TestAppConnRegistryPushDropsFailedConnection(t *testing.T) {
	reg := NewAppConnRegistry()
	server, client := net.Pipe()
	client.Close() // write to server now fails immediately
	t.Cleanup(func() { server.Close() })

	reg.Register("blog", 1, transport.NewConn(server))

	if sent := reg.Push("blog", map[string]string{"type": "reload_config"}); sent != 0 {
		t.Fatalf("got %d recipients for a dead connection, want 0", sent)
	}
	if got := reg.Push("blog", map[string]string{"type": "reload_config"}); got != 0 {
		t.Fatalf("connection should have been unregistered after the failed write, got %d recipients", got)
	}
}

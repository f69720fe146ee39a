package transport

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

type echoMsg struct {
	Value string `json:"value"`
}

func TestListenServeRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	done := make(chan struct{})
	go srv.Serve(done, func(conn *Conn) {
		var msg echoMsg
		if err := conn.ReadMessage(&msg); err != nil {
			return
		}
		conn.WriteMessage(echoMsg{Value: "echo:" + msg.Value})
	})

	nc, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	client := NewConn(nc)

	if err := client.WriteMessage(echoMsg{Value: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply echoMsg
	if err := client.ReadMessage(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Value != "echo:hello" {
		t.Fatalf("got %q, want echo:hello", reply.Value)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")

	srv1, err := Listen(sock)
	if err != nil {
		t.Fatalf("first listen: %v", err)
	}
	// simulate an unclean shutdown: the listener object is discarded without
	// closing, leaving the socket file behind.
	_ = srv1

	srv2, err := Listen(sock)
	if err != nil {
		t.Fatalf("second listen over stale socket: %v", err)
	}
	defer srv2.Close()
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	serverErrs := make(chan error, 1)
	done := make(chan struct{})
	go srv.Serve(done, func(conn *Conn) {
		var msg echoMsg
		serverErrs <- conn.ReadMessage(&msg)
	})

	nc, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()

	oversized := make([]byte, MaxFrameBytes+2)
	for i := range oversized {
		oversized[i] = 'a'
	}
	oversized = append(oversized, '\n')
	if _, err := nc.Write(oversized); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-serverErrs:
		if err != ErrMessageTooLarge {
			t.Fatalf("got %v, want ErrMessageTooLarge", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to report the oversized frame")
	}
}

func TestCloseStopsAcceptLoop(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(done, func(conn *Conn) {}) }()

	close(done)
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("got %v, want Serve to return nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Serve to return after Close")
	}
}

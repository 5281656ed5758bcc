package httpadapter

import (
	"net"
	"testing"
	"time"
)

func TestListenCapsConcurrentConnections(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 1)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	var held net.Conn
	select {
	case held = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("first connection was not accepted")
	}

	select {
	case conn := <-accepted:
		conn.Close()
		t.Fatalf("second connection accepted while the first was still open")
	case <-time.After(100 * time.Millisecond):
	}

	held.Close()
	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("second connection not accepted after the first closed")
	}
}

func TestListenUnboundedWhenZero(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if _, ok := ln.(*net.TCPListener); !ok {
		t.Fatalf("expected plain TCP listener, got %T", ln)
	}
}

package netmon

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSetOnlineEmitsEdgesOnly(t *testing.T) {
	m := New("", 0)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.SetOnline(false)
	m.SetOnline(false) // level, no edge
	m.SetOnline(true)

	var got []bool
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case c := <-ch:
			got = append(got, c.Online)
		case <-timeout:
			t.Fatalf("received %d transitions, want 2", len(got))
		}
	}
	if got[0] != false || got[1] != true {
		t.Fatalf("transitions = %v, want [false true]", got)
	}

	select {
	case c := <-ch:
		t.Fatalf("unexpected extra transition %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProbeDetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	m := New(ln.Addr().String(), time.Hour)
	m.probe(context.Background())
	if !m.Online() {
		t.Fatal("probe against live listener reported offline")
	}
}

func TestProbeDetectsDeadEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := New(addr, time.Hour)
	m.probe(context.Background())
	if m.Online() {
		t.Fatal("probe against closed listener reported online")
	}
}

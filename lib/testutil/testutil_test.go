package testutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func TestMockServer(t *testing.T) {
	srv, err := NewMockServer()
	if err != nil {
		t.Fatalf("failed to create mock server: %v", err)
	}
	defer srv.Close()

	if srv.Addr() == "" {
		t.Error("expected non-empty address")
	}

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to connect to mock server: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for srv.Accepted() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Accepted() != 1 {
		t.Errorf("Expected 1 accepted connection, got %d", srv.Accepted())
	}
}

func TestFakeEstablisherSucceeds(t *testing.T) {
	f := NewFakeEstablisher()

	tr, err := f.Dial(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if tr.ID != 1 {
		t.Errorf("Expected transport id 1, got %d", tr.ID)
	}
	if f.OpenTransports() != 1 {
		t.Errorf("Expected 1 open transport, got %d", f.OpenTransports())
	}
	tr.Close()
	if !tr.IsClosed() {
		t.Error("transport should be closed")
	}
	if f.OpenTransports() != 0 {
		t.Errorf("Expected 0 open transports, got %d", f.OpenTransports())
	}
}

func TestFakeEstablisherFailNext(t *testing.T) {
	f := NewFakeEstablisher()
	boom := errors.New("boom")
	f.FailNext(2, boom)

	for i := 0; i < 2; i++ {
		if _, err := f.Dial(context.Background(), "db1"); !errors.Is(err, boom) {
			t.Errorf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if _, err := f.Dial(context.Background(), "db1"); err != nil {
		t.Errorf("third attempt should succeed, got %v", err)
	}
	if f.Attempts() != 3 {
		t.Errorf("Expected 3 attempts, got %d", f.Attempts())
	}
	if f.Failures() != 2 {
		t.Errorf("Expected 2 failures, got %d", f.Failures())
	}
}

func TestFakeEstablisherFailAll(t *testing.T) {
	f := NewFakeEstablisher()
	f.FailAll(nil)

	if _, err := f.Dial(context.Background(), "db1"); !errors.Is(err, ErrInjected) {
		t.Errorf("Expected ErrInjected, got %v", err)
	}
	f.Heal()
	if _, err := f.Dial(context.Background(), "db1"); err != nil {
		t.Errorf("Expected success after Heal, got %v", err)
	}
}

func TestFakeEstablisherHonorsContext(t *testing.T) {
	f := NewFakeEstablisher()
	f.Block()
	defer f.Unblock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := f.Dial(ctx, "db1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestFakeEstablisherMaxInFlight(t *testing.T) {
	f := NewFakeEstablisher()
	f.SetDelay(20 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Dial(context.Background(), "db1")
		}()
	}
	wg.Wait()

	if f.MaxInFlight() < 2 {
		t.Errorf("Expected concurrent establishments, max in flight was %d", f.MaxInFlight())
	}
	if f.InFlight() != 0 {
		t.Errorf("Expected 0 in flight, got %d", f.InFlight())
	}
}

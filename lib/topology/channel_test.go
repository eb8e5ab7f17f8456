package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/go-i2p/cmap/lib/errors"
)

func TestChannelDeliversInOrder(t *testing.T) {
	u, r := Channel()

	for i := uint64(1); i <= 3; i++ {
		if _, err := u.Send(ApplicationError{Address: "db:1", ConnectionID: i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Expected 3 queued messages, got %d", r.Len())
	}

	for i := uint64(1); i <= 3; i++ {
		env, err := r.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got := env.Message().(ApplicationError).ConnectionID
		if got != i {
			t.Errorf("Expected connection %d, got %d", i, got)
		}
	}
}

func TestAcknowledgement(t *testing.T) {
	u, r := Channel()

	ack, err := u.Send(ServerHealthy{Address: "db:1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	go func() {
		env, err := r.Recv(context.Background())
		if err != nil {
			return
		}
		_, a := env.IntoParts()
		a.Acknowledge(true)
		a.Acknowledge(false) // only the first value is delivered
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := ack.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !v {
		t.Error("Expected acknowledgement value true")
	}
}

func TestAckWaitTimeout(t *testing.T) {
	u, _ := Channel()
	ack, _ := u.Send(ServerHealthy{Address: "db:1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ack.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestDroppedAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dropped().Wait(ctx); !errors.Is(err, apperrors.ErrNotAcknowledged) {
		t.Errorf("Expected ErrNotAcknowledged, got %v", err)
	}
}

func TestReceiverClose(t *testing.T) {
	u, r := Channel()
	pending, _ := u.Send(ServerHealthy{Address: "db:1"})

	r.Close()

	if _, err := pending.Wait(context.Background()); !errors.Is(err, apperrors.ErrNotAcknowledged) {
		t.Errorf("Expected ErrNotAcknowledged for dropped message, got %v", err)
	}
	if _, err := u.Send(ServerHealthy{Address: "db:1"}); !errors.Is(err, apperrors.ErrUpdaterClosed) {
		t.Errorf("Expected ErrUpdaterClosed, got %v", err)
	}
	if _, err := r.Recv(context.Background()); !errors.Is(err, apperrors.ErrUpdaterClosed) {
		t.Errorf("Expected ErrUpdaterClosed from Recv, got %v", err)
	}
}

func TestNilUpdater(t *testing.T) {
	var u *Updater
	ack := u.ReportApplicationError(ApplicationError{Address: "db:1", Err: errors.New("boom")})
	if _, err := ack.Wait(context.Background()); !errors.Is(err, apperrors.ErrNotAcknowledged) {
		t.Errorf("Expected ErrNotAcknowledged, got %v", err)
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	u, r := Channel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		u.Send(ServerHealthy{Address: "db:2"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if env.Message().ServerAddress() != "db:2" {
		t.Errorf("Unexpected message %v", env.Message())
	}
}

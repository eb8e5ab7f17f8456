package topology

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	apperrors "github.com/go-i2p/cmap/lib/errors"
)

type fakeController struct {
	mu         sync.Mutex
	generation uint64
	clears     int
	pauses     int
	readies    int
	causes     []error
}

func (f *fakeController) Clear(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	f.clears++
	f.causes = append(f.causes, cause)
}

func (f *fakeController) ClearAndPause(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	f.clears++
	f.pauses++
	f.causes = append(f.causes, cause)
}

func (f *fakeController) MarkAsReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readies++
}

func (f *fakeController) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  ApplicationError
		want bool
	}{
		{"nil", ApplicationError{Phase: PhaseUse}, false},
		{"establish", ApplicationError{Phase: PhaseEstablish, Err: errors.New("refused")}, true},
		{"eof", ApplicationError{Phase: PhaseUse, Err: io.EOF}, true},
		{"net", ApplicationError{Phase: PhaseUse, Err: &net.OpError{Op: "read", Err: errors.New("reset")}}, true},
		{"connection", ApplicationError{Phase: PhaseUse, Err: apperrors.ErrConnection}, true},
		{"command", ApplicationError{Phase: PhaseUse, Err: errors.New("duplicate key")}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.IsNetworkError(); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPolicies(t *testing.T) {
	netErr := ApplicationError{Phase: PhaseEstablish, Err: errors.New("refused")}
	cmdErr := ApplicationError{Phase: PhaseUse, Err: errors.New("bad command")}

	if d := ClearOnNetworkError(netErr); !d.Clear || !d.Pause {
		t.Errorf("Expected clear+pause for network error, got %+v", d)
	}
	if d := ClearOnNetworkError(cmdErr); d.Clear {
		t.Errorf("Expected no clear for command error, got %+v", d)
	}
	if d := AlwaysClear(cmdErr); !d.Clear || d.Pause {
		t.Errorf("Expected clear without pause, got %+v", d)
	}
	if d := AlwaysClear(ServerHealthy{}); !d.Ready {
		t.Errorf("Expected ready for healthy server, got %+v", d)
	}
}

func TestMonitorClearsAndAcknowledges(t *testing.T) {
	u, r := Channel()
	ctl := &fakeController{}
	m := NewMonitor(r, ctl, AlwaysClear)
	m.Start(context.Background())
	defer m.Stop()

	cause := errors.New("socket reset")
	ack := u.ReportApplicationError(ApplicationError{Address: "db:1", Err: cause})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	acted, err := ack.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !acted {
		t.Error("Expected the monitor to report it acted")
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.clears != 1 {
		t.Errorf("Expected 1 clear, got %d", ctl.clears)
	}
	if len(ctl.causes) != 1 || ctl.causes[0] != cause {
		t.Errorf("Expected clear cause to be retained, got %v", ctl.causes)
	}
}

func TestMonitorIgnoresStaleErrors(t *testing.T) {
	u, r := Channel()
	ctl := &fakeController{generation: 3}
	m := NewMonitor(r, ctl, AlwaysClear)
	m.Start(context.Background())
	defer m.Stop()

	ack := u.ReportApplicationError(ApplicationError{Address: "db:1", Generation: 2, Err: io.EOF})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	acted, err := ack.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if acted {
		t.Error("Expected stale error to be ignored")
	}
	if ctl.Generation() != 3 {
		t.Errorf("Expected generation to stay 3, got %d", ctl.Generation())
	}
}

func TestMonitorReady(t *testing.T) {
	u, r := Channel()
	ctl := &fakeController{}
	m := NewMonitor(r, ctl, nil)

	u.Send(ServerHealthy{Address: "db:1"})
	r.Close()

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	// Close drops pending messages, so nothing was handled.
	if m.Handled() != 0 {
		t.Errorf("Expected 0 handled, got %d", m.Handled())
	}

	u, r = Channel()
	m = NewMonitor(r, ctl, nil)
	ack, _ := u.Send(ServerHealthy{Address: "db:1"})
	m.Start(context.Background())
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ack.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.readies != 1 {
		t.Errorf("Expected 1 MarkAsReady, got %d", ctl.readies)
	}
}

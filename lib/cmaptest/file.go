// Package cmaptest runs connection pool scenarios described in YAML files.
//
// A scenario lists pool options, a sequence of operations and the events the
// pool is expected to emit. Operations may run on named threads so that
// concurrent checkouts can be described without writing Go.
package cmaptest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-i2p/cmap/lib/pool"
)

// AnyValue in an expected field matches any actual value.
const AnyValue = 42

// TestFile is a single scenario.
type TestFile struct {
	Version     int             `yaml:"version"`
	Description string          `yaml:"description"`
	PoolOptions *PoolOptions    `yaml:"poolOptions"`
	Establisher *Establisher    `yaml:"establisher"`
	Operations  []Operation     `yaml:"operations"`
	Error       *ExpectedError  `yaml:"error"`
	Events      []ExpectedEvent `yaml:"events"`
	Ignore      []string        `yaml:"ignore"`
	Skip        string          `yaml:"skipReason"`

	path string
}

// Path returns the file the scenario was loaded from.
func (f *TestFile) Path() string { return f.path }

// PoolOptions are the pool options a scenario sets. Unset fields keep the
// pool defaults.
type PoolOptions struct {
	MaxPoolSize        *int   `yaml:"maxPoolSize"`
	MinPoolSize        *int   `yaml:"minPoolSize"`
	MaxIdleTimeMS      *int64 `yaml:"maxIdleTimeMS"`
	MaxConnecting      *int   `yaml:"maxConnecting"`
	WaitQueueTimeoutMS *int64 `yaml:"waitQueueTimeoutMS"`
}

// Options converts the scenario options to pool options.
func (o *PoolOptions) Options() pool.Options {
	opts := pool.DefaultOptions()
	if o == nil {
		return opts
	}
	if o.MaxPoolSize != nil {
		opts.MaxPoolSize = *o.MaxPoolSize
	}
	if o.MinPoolSize != nil {
		opts.MinPoolSize = *o.MinPoolSize
	}
	if o.MaxIdleTimeMS != nil {
		opts.MaxIdleTime = time.Duration(*o.MaxIdleTimeMS) * time.Millisecond
	}
	if o.MaxConnecting != nil {
		opts.MaxConnecting = *o.MaxConnecting
	}
	if o.WaitQueueTimeoutMS != nil {
		opts.WaitQueueTimeout = time.Duration(*o.WaitQueueTimeoutMS) * time.Millisecond
	}
	return opts
}

// Establisher configures the in-memory establisher a scenario runs against.
type Establisher struct {
	DelayMS   int64 `yaml:"delayMS"`
	FailFirst int   `yaml:"failFirst"`
}

// Operation is one step of a scenario.
type Operation struct {
	// Name is one of start, wait, waitForThread, waitForEvent, checkOut,
	// checkIn, clear, ready and close.
	Name string `yaml:"name"`
	// Thread runs the operation on a thread created by start.
	Thread string `yaml:"thread"`
	// Target names the thread for start and waitForThread.
	Target string `yaml:"target"`
	// Label stores the connection returned by checkOut.
	Label string `yaml:"label"`
	// Connection names the label checkIn releases.
	Connection string `yaml:"connection"`
	// MS is the wait duration.
	MS int64 `yaml:"ms"`
	// Event, Count and Timeout configure waitForEvent. Timeout is in
	// milliseconds.
	Event   string `yaml:"event"`
	Count   int    `yaml:"count"`
	Timeout int64  `yaml:"timeout"`
}

// ExpectedError is the error the first failing operation must return.
type ExpectedError struct {
	Type    string `yaml:"type"`
	Message string `yaml:"message"`
}

// ExpectedEvent is matched against an emitted event. Unset fields and
// fields set to AnyValue match anything.
type ExpectedEvent struct {
	Type         string       `yaml:"type"`
	ConnectionID *uint64      `yaml:"connectionId"`
	Reason       string       `yaml:"reason"`
	Options      *PoolOptions `yaml:"options"`
}

// LoadFile reads a scenario from a YAML file.
func LoadFile(path string) (*TestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var f TestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if f.Description == "" {
		return nil, fmt.Errorf("scenario %s has no description", path)
	}
	for i, op := range f.Operations {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("scenario %s: operation %d: %w", path, i, err)
		}
	}
	f.path = path
	return &f, nil
}

// LoadDir reads every *.yml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*TestFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	files := make([]*TestFile, 0, len(paths))
	for _, path := range paths {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (op Operation) validate() error {
	switch op.Name {
	case "start", "waitForThread":
		if op.Target == "" {
			return fmt.Errorf("%s requires a target", op.Name)
		}
	case "waitForEvent":
		if op.Event == "" || op.Count < 1 {
			return fmt.Errorf("waitForEvent requires an event and a positive count")
		}
	case "checkIn":
		if op.Connection == "" {
			return fmt.Errorf("checkIn requires a connection")
		}
	case "wait", "checkOut", "clear", "ready", "close":
	default:
		return fmt.Errorf("unknown operation %q", op.Name)
	}
	return nil
}

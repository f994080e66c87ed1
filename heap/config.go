package heap

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/ni-webtech/appweb-4-sub000/scheduler"
)

// Tuning defaults, balanced between footprint and collection frequency.
const (
	defaultChunkSize   = 256 * 1024 // region growth unit
	defaultNewQuota    = 16 * 1024  // allocations between triggered collections
	defaultEarlyQuota  = 50         // allocations before a plain RequestGC collects
	defaultIdlePeriod  = time.Second
	defaultPrunePeriod = time.Minute
)

// EnvVar is the environment variable read by ConfigFromEnv.
const EnvVar = "MPRDEBUG"

// Dispatcher schedules recurring callbacks. scheduler.Monitor implements it.
type Dispatcher interface {
	ScheduleRecurring(period time.Duration, fn func(t *scheduler.Thread)) (cancel func())
}

// Config controls a Heap. The zero value is not usable, start from
// DefaultConfig or ConfigFromEnv.
type Config struct {
	// ChunkSize is the minimum size of a region. Rounded up to the page size.
	ChunkSize uintptr

	// NewQuota is the number of allocations after which a collection is
	// triggered automatically.
	NewQuota int64

	// EarlyQuota is the number of allocations since the last collection
	// below which a RequestGC without GCForce does nothing.
	EarlyQuota int64

	// Workers selects how collections run:
	//	0: on the goroutine that asked for them, or on the dispatcher
	//	1: on a dedicated marker goroutine that also sweeps
	//	2: on a marker goroutine plus a sweeper goroutine; threads are
	//	   resumed as soon as marking is done
	Workers int

	// SyncTimeout bounds how long a collection waits for every registered
	// thread to yield before abandoning the cycle.
	SyncTimeout time.Duration

	// IdlePeriod is how often the dispatcher checks for pending collections
	// and prune requests. PrunePeriod is how often pruners run regardless.
	IdlePeriod  time.Duration
	PrunePeriod time.Duration

	// Redline is the soft limit on bytes obtained from the backend. Crossing
	// it notifies and prunes but the allocation succeeds. 0 disables it.
	Redline int64

	// MaxMemory is the hard limit. What happens when an allocation would
	// cross it depends on Policy. 0 disables it.
	MaxMemory int64

	// Policy is applied when MaxMemory is reached.
	Policy Policy

	// GCDisabled turns every collection request into a no-op.
	GCDisabled bool

	// Scribble fills free blocks with a fixed pattern. With Verify also set
	// the pattern is checked when a block is reused, catching writes
	// through dangling pointers.
	Scribble bool

	// Verify checks block headers on every Mark and free block contents on
	// reuse.
	Verify bool

	// Track enables SetName.
	Track bool

	// Backend supplies region memory. Defaults to mmap where available.
	Backend Backend

	// Threads is the rendezvous registry. A fresh one is created if nil.
	Threads *scheduler.ThreadService

	// Dispatcher runs idle collections and pruners. Without one, with
	// Workers 0, cycles queued by NewQuota run when a thread calls
	// Heap.Yield or RequestGC. Pruners then only run from Prune.
	Dispatcher Dispatcher

	Logger   *slog.Logger
	Notifier Notifier

	// Exit terminates the process on fatal allocation failures. Defaults to
	// os.Exit. If it returns, the failing allocation returns nil.
	Exit func(code int)

	// Restart re-executes the process for PolicyRestart. Defaults to
	// replacing the process image with a fresh copy of the executable.
	Restart func() error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   defaultChunkSize,
		NewQuota:    defaultNewQuota,
		EarlyQuota:  defaultEarlyQuota,
		Workers:     1,
		SyncTimeout: syncTimeout,
		IdlePeriod:  defaultIdlePeriod,
		PrunePeriod: defaultPrunePeriod,
		Policy:      PolicyExit,
	}
}

// ConfigFromEnv returns DefaultConfig overlaid with the settings in the
// MPRDEBUG environment variable.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	err := cfg.ParseEnv(os.Getenv(EnvVar))
	return cfg, err
}

// envVar is one MPRDEBUG key and how it sets a Config field.
type envVar struct {
	name string
	set  func(c *Config, value string) error
}

var envVars = []envVar{
	{"gc", func(c *Config, v string) error {
		on, err := parseBool(v)
		c.GCDisabled = !on
		return err
	}},
	{"gcworkers", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Workers = n
		return err
	}},
	{"gcsync", func(c *Config, v string) error {
		ms, err := strconv.ParseInt(v, 10, 64)
		c.SyncTimeout = time.Duration(ms) * time.Millisecond
		return err
	}},
	{"memlimit", func(c *Config, v string) (err error) {
		c.MaxMemory, err = parseSize(v)
		return err
	}},
	{"redline", func(c *Config, v string) (err error) {
		c.Redline, err = parseSize(v)
		return err
	}},
	{"chunk", func(c *Config, v string) error {
		n, err := parseSize(v)
		c.ChunkSize = uintptr(n)
		return err
	}},
	{"quota", func(c *Config, v string) (err error) {
		c.NewQuota, err = strconv.ParseInt(v, 10, 64)
		return err
	}},
	{"policy", func(c *Config, v string) (err error) {
		c.Policy, err = parsePolicy(v)
		return err
	}},
	{"scribble", func(c *Config, v string) (err error) {
		c.Scribble, err = parseBool(v)
		return err
	}},
	{"verify", func(c *Config, v string) (err error) {
		c.Verify, err = parseBool(v)
		return err
	}},
	{"track", func(c *Config, v string) (err error) {
		c.Track, err = parseBool(v)
		return err
	}},
}

// ParseEnv applies a comma separated list of key=value settings, in the
// same format as GODEBUG. Unknown keys are ignored.
func (c *Config) ParseEnv(s string) error {
	for p := s; p != ""; {
		field := ""
		i := strings.IndexByte(p, ',')
		if i < 0 {
			field, p = p, ""
		} else {
			field, p = p[:i], p[i+1:]
		}
		i = strings.IndexByte(field, '=')
		if i < 0 {
			continue
		}
		key, value := strings.TrimSpace(field[:i]), strings.TrimSpace(field[i+1:])
		for _, v := range envVars {
			if v.name == key {
				if err := v.set(c, value); err != nil {
					return errors.Wrapf(ErrInvalidConfig, "%s=%q: %v", key, value, err)
				}
			}
		}
	}
	return c.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Workers < 0 || c.Workers > 2:
		return errors.Wrapf(ErrInvalidConfig, "gc workers %d not in [0, 2]", c.Workers)
	case c.SyncTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "sync timeout %v", c.SyncTimeout)
	case c.ChunkSize == 0 || c.ChunkSize > maxBlock:
		return errors.Wrapf(ErrInvalidConfig, "chunk size %d", c.ChunkSize)
	case c.MaxMemory < 0 || c.Redline < 0:
		return errors.Wrapf(ErrInvalidConfig, "negative memory limit")
	case c.MaxMemory > 0 && c.Redline > c.MaxMemory:
		return errors.Wrapf(ErrInvalidConfig, "redline %d above limit %d", c.Redline, c.MaxMemory)
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "on", "true", "yes":
		return true, nil
	case "0", "off", "false", "no":
		return false, nil
	}
	return false, errors.Newf("bad boolean %q", s)
}

// parseSize parses a byte count with an optional k, m or g suffix.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			mult, s = 1<<10, s[:n-1]
		case 'm', 'M':
			mult, s = 1<<20, s[:n-1]
		case 'g', 'G':
			mult, s = 1<<30, s[:n-1]
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Newf("negative size %d", n)
	}
	return n * mult, nil
}

func parsePolicy(s string) (Policy, error) {
	var p Policy
	for _, name := range strings.Split(s, "|") {
		switch strings.ToLower(name) {
		case "null":
			p |= PolicyNull
		case "warn":
			p |= PolicyWarn
		case "exit":
			p |= PolicyExit
		case "restart":
			p |= PolicyRestart
		default:
			return 0, errors.Newf("unknown policy %q", name)
		}
	}
	return p, nil
}

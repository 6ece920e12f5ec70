package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseOnce sync.Once
	base     zerolog.Logger
	rlMu     sync.Mutex
	rlLast   = make(map[string]time.Time)
	rlSweep  = time.Now()
)

func enabled() bool {
	return os.Getenv("VEIL_DEBUG") == "1"
}

func root() zerolog.Logger {
	baseOnce.Do(func() {
		var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		if os.Getenv("VEIL_LOG_JSON") == "1" {
			w = os.Stderr
		}
		level := zerolog.InfoLevel
		if enabled() {
			level = zerolog.DebugLevel
		}
		base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	})
	return base
}

// SetOutput replaces the root logger. Tests use it to silence output.
func SetOutput(w io.Writer) {
	root()
	base = zerolog.New(w).Level(base.GetLevel()).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	l := root()
	return l.With().Str("component", name).Logger()
}

func Logf(format string, args ...any) {
	l := root()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	l := root()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

// RateLimitedf logs at debug level at most once per interval for key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}

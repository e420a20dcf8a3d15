// Package obs holds the ambient observability plumbing: env-gated debug
// logging and the OpenTelemetry metric/trace providers the server hangs
// its instruments off.
package obs

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	enabled  = os.Getenv("PIMD_DEBUG") != ""
	logMutex sync.Mutex
)

// Enabled reports whether debug logging is on (PIMD_DEBUG env var).
func Enabled() bool {
	return enabled
}

// Logf writes a debug line to stderr when PIMD_DEBUG is set.
func Logf(format string, args ...interface{}) {
	if !enabled {
		return
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
}

// Errorf writes a warning/error line to stderr unconditionally.
func Errorf(format string, args ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
}

// Fields renders key/value pairs in a stable "k=v" form for log lines
// (session id, tag, command name).
func Fields(kv ...interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

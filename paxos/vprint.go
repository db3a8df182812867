package paxos

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"4d63.com/tz"
)

// VerboseVerbose turns on the pp() protocol trace.
// It can be flipped at runtime, e.g. by cmd/paxosdemo -v.
var VerboseVerbose atomic.Bool

// useful during git bisect
var forceQuiet = false

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

// tsPrintfMut keeps concurrent log lines from interleaving.
var tsPrintfMut sync.Mutex

// so we can multi write easily, use our own printf
var ourStdout io.Writer = os.Stdout

func pp(format string, a ...interface{}) {
	if VerboseVerbose.Load() {
		tsPrintf(format, a...)
	}
}

func zz(format string, a ...interface{}) {}

func vv(format string, a ...interface{}) {
	if !forceQuiet {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	printf("\n%s %s ", fileLine(3), ts())
	printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	} else {
		s = ""
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

func panicf(format string, a ...interface{}) {
	panic(fmt.Sprintf(format, a...))
}

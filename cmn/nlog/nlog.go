// Package nlog is the runtime's leveled logger: buffering, timestamping, and
// writing to stderr and/or a per-node log file.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{'I', 'W', 'E'}

var (
	mu           sync.Mutex
	toStderr     = true
	alsoToStderr bool
	file         *os.File
	logDir       string
	aisrole      string
	title        string
	last         time.Time

	MaxSize int64 = 4 * 1024 * 1024
)

// InitFlags registers the two flags the rest of the stack expects to find on
// the node's FlagSet (-logtostderr, -alsologtostderr).
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func SetLogDirRole(dir, role string) {
	mu.Lock()
	logDir, aisrole = dir, role
	mu.Unlock()
}

func SetTitle(s string) { mu.Lock(); title = s; mu.Unlock() }

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth+1, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 1, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 1, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth+1, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 1, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

// Flush syncs the log file to disk; exit[0]=true also closes it (used on
// fatal shutdown, see cos.ExitLogf).
func Flush(exit ...bool) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	file.Sync()
	if len(exit) > 0 && exit[0] {
		file.Close()
		file = nil
	}
}

// Since returns how long ago the last line was written; used by callers that
// throttle periodic logging.
func Since() time.Duration {
	mu.Lock()
	defer mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// OOB reports whether a line was emitted within the last second; cheap
// out-of-band activity probe for housekeeping loops. It resets nothing.
func OOB() bool {
	mu.Lock()
	defer mu.Unlock()
	oob := !last.IsZero() && time.Since(last) < time.Second
	return oob
}

func log(sev severity, depth int, format string, args ...any) {
	line := sprintf(sev, depth+1, format, args...)

	mu.Lock()
	last = time.Now()
	mu.Unlock()

	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}
	if toStderr {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		if err := openLogFile(); err != nil {
			return
		}
	}
	fi, err := file.Stat()
	if err == nil && fi.Size() > MaxSize {
		file.Close()
		openLogFile()
	}
	file.WriteString(line)
}

func openLogFile() error {
	dir := logDir
	if dir == "" {
		dir = os.TempDir()
	}
	name, _ := logfname(aisrole, time.Now())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	file = f
	if title != "" {
		file.WriteString(title + "\n")
	}
	return nil
}

func logfname(tag string, t time.Time) (name, link string) {
	host, _ := os.Hostname()
	name = fmt.Sprintf("node.%s.%s.%02d%02d-%02d%02d%02d.%d",
		host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), os.Getpid())
	return name, "node." + tag
}

func sname() string {
	host, _ := os.Hostname()
	return "node." + host
}

func sprintf(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(format, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

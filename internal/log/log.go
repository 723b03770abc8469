package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var severity = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

var (
	mu       sync.Mutex
	logger   = stdlog.New(os.Stderr, "", 0)
	minLevel = LevelInfo
)

// ParseLevel maps a config value such as "debug" to a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "" {
		return LevelInfo, nil
	}
	if _, ok := severity[l]; !ok {
		return LevelInfo, fmt.Errorf("log: unknown level %q", s)
	}
	return l, nil
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetOutput redirects log lines, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

// With returns a Debug logger that prefixes every line with component.
// Its signature matches the diagnostic sinks of the panel driver.
func With(component string) func(msg string, kv ...any) {
	return func(msg string, kv ...any) {
		Debug(component+": "+msg, kv...)
	}
}

func logWithLevel(level Level, msg string, kv ...any) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled(level) {
		return
	}

	// 2025-01-01T00:00:00Z [LEVEL] msg key=value ...
	var sb strings.Builder
	sb.WriteString(time.Now().Format(time.RFC3339Nano))
	sb.WriteString(" [")
	sb.WriteString(string(level))
	sb.WriteString("] ")
	sb.WriteString(msg)
	writeKVs(&sb, kv...)
	logger.Println(sb.String())
}

func enabled(level Level) bool {
	threshold, ok := severity[minLevel]
	if !ok {
		return true
	}
	return severity[level] >= threshold
}

// writeKVs appends key=value pairs. A trailing key without value is
// dropped.
func writeKVs(sb *strings.Builder, kv ...any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(fmt.Sprint(kv[i+1]))
	}
}

package logger

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ANSI colors for console output. The log file gets the plain text.
const (
	reset  = "\033[0m"
	dim    = "\033[2m"
	bold   = "\033[1m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
)

var (
	mu       sync.Mutex
	file     *os.File
	filePath string
	maxBytes int64
	backups  int
)

// SetFile mirrors all log lines into path, rotating when the file exceeds
// max bytes (keeping up to the given number of .1..N backups).
func SetFile(path string, max int64, keep int) error {
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if file != nil {
		file.Close()
	}
	file = f
	filePath = path
	maxBytes = max
	backups = keep
	return nil
}

func write(level, tag, msg string) {
	ts := time.Now().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s | %-7s | [%s] %s", ts, level, tag, msg)

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		fmt.Fprintln(file, line)
		rotateLocked()
	}
}

// rotateLocked shifts copilot.log -> .1 -> .2 ... when the file grows past
// maxBytes. Callers hold mu.
func rotateLocked() {
	if maxBytes <= 0 || filePath == "" {
		return
	}
	st, err := file.Stat()
	if err != nil || st.Size() < maxBytes {
		return
	}
	file.Close()
	for i := backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", filePath, i), fmt.Sprintf("%s.%d", filePath, i+1))
	}
	if backups > 0 {
		os.Rename(filePath, filePath+".1")
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		file = nil
		return
	}
	file = f
}

// Info logs a neutral message under a component tag.
func Info(tag, msg string) {
	fmt.Printf("%s[%s]%s %s\n", cyan, tag, reset, msg)
	write("INFO", tag, msg)
}

// Success logs a positive outcome under a component tag.
func Success(tag, msg string) {
	fmt.Printf("%s[%s]%s %s\n", green, tag, reset, msg)
	write("SUCCESS", tag, msg)
}

// Warn logs a recoverable problem under a component tag.
func Warn(tag, msg string) {
	fmt.Printf("%s[%s]%s %s\n", yellow, tag, reset, msg)
	write("WARN", tag, msg)
}

// Error logs a failure under a component tag.
func Error(tag, msg string) {
	fmt.Printf("%s[%s]%s %s\n", red, tag, reset, msg)
	write("ERROR", tag, msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Printf("%s%sflip-copilot%s %s%s%s\n", bold, cyan, reset, dim, version, reset)
	write("INFO", "BOOT", "flip-copilot "+version)
}

// Section prints a visual separator for a named phase.
func Section(name string) {
	fmt.Printf("%s── %s ──%s\n", dim, name, reset)
}

// Stats prints a key/value stat line.
func Stats(key string, value any) {
	fmt.Printf("  %s%s:%s %v\n", dim, key, reset, value)
}

// Server announces the listen address.
func Server(addr string) {
	fmt.Printf("%s[Server]%s listening on http://%s\n", green, reset, addr)
	write("INFO", "Server", "listening on http://"+addr)
}

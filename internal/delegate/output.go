package delegate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OutputLogFileName is the delegate transcript inside the workspace directory.
const OutputLogFileName = "output.log"

// OutputWriter provides writers for capturing command output.
type OutputWriter interface {
	Stdout() io.Writer
	Stderr() io.Writer
}

// OutputOptions controls where delegate output goes besides the log file.
type OutputOptions struct {
	// Echo copies output to the terminal.
	Echo bool
	// OnLine receives each complete output line. Optional.
	OnLine func(taskID, line string)
}

// OutputCapture appends delegate output to output.log, optionally echoing it
// to the terminal and streaming it line by line.
type OutputCapture struct {
	mu      sync.Mutex
	logFile *os.File
	out     io.Writer
	err     io.Writer
	taskID  string
	now     func() time.Time
}

// NewOutputCapture opens output.log in append mode so history survives across
// runs.
func NewOutputCapture(dir string, opts OutputOptions) (*OutputCapture, error) {
	f, err := os.OpenFile(filepath.Join(dir, OutputLogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	oc := &OutputCapture{logFile: f, now: time.Now}

	var stdout, stderr io.Writer = f, f
	if opts.Echo {
		stdout = io.MultiWriter(os.Stdout, f)
		stderr = io.MultiWriter(os.Stderr, f)
	}
	if opts.OnLine != nil {
		stdout = &lineWriter{underlying: stdout, emit: oc.emitter(opts.OnLine)}
		stderr = &lineWriter{underlying: stderr, emit: oc.emitter(opts.OnLine)}
	}
	oc.out = stdout
	oc.err = stderr
	return oc, nil
}

func (oc *OutputCapture) emitter(fn func(taskID, line string)) func(string) {
	return func(line string) {
		oc.mu.Lock()
		id := oc.taskID
		oc.mu.Unlock()
		fn(id, line)
	}
}

// Stdout returns the writer for stdout.
func (oc *OutputCapture) Stdout() io.Writer {
	return oc.out
}

// Stderr returns the writer for stderr.
func (oc *OutputCapture) Stderr() io.Writer {
	return oc.err
}

// Path returns the log file location.
func (oc *OutputCapture) Path() string {
	if oc.logFile == nil {
		return ""
	}
	return oc.logFile.Name()
}

// Close closes the log file. Safe to call when no log file is open.
func (oc *OutputCapture) Close() error {
	if oc.logFile != nil {
		return oc.logFile.Close()
	}
	return nil
}

// WriteTaskHeader writes a header line to the log for a delegate run.
func (oc *OutputCapture) WriteTaskHeader(taskID, mode string) {
	oc.mu.Lock()
	oc.taskID = taskID
	oc.mu.Unlock()
	if oc.logFile == nil {
		return
	}
	fmt.Fprintf(oc.logFile, "\n=== Task %s, mode %s ===\n", taskID, mode)
	fmt.Fprintf(oc.logFile, "Started: %s\n\n", oc.now().Format(time.RFC3339))
}

// WriteTaskFooter writes a footer line to the log after the run.
func (oc *OutputCapture) WriteTaskFooter(taskID string, success bool) {
	if oc.logFile == nil {
		return
	}
	result := "SUCCESS"
	if !success {
		result = "FAILED"
	}
	fmt.Fprintf(oc.logFile, "\n=== Task %s: %s ===\n\n", taskID, result)
}

// lineWriter passes writes through and reports complete lines.
type lineWriter struct {
	underlying io.Writer
	emit       func(string)
	buf        strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n, err := w.underlying.Write(p)

	w.buf.Write(p)
	content := w.buf.String()
	for {
		idx := strings.IndexByte(content, '\n')
		if idx == -1 {
			break
		}
		if line := strings.TrimRight(content[:idx], "\r"); line != "" {
			w.emit(line)
		}
		content = content[idx+1:]
	}
	w.buf.Reset()
	w.buf.WriteString(content)
	return n, err
}

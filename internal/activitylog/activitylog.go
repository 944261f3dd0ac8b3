// Package activitylog writes one human-readable log file per agent run.
//
// A [Writer] is an [events.Observer]. The start event opens
// agent_run_YYYYMMDD_HHMMSS.log in the configured directory; the
// complete or error event writes the summary and closes it. Each file
// is an slog text log, optionally echoed to a console handler.
package activitylog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nugget/trialmatch/internal/config"
	"github.com/nugget/trialmatch/internal/events"
)

const rule = "======================================================================"

// Writer is an events.Observer that records runs to files.
type Writer struct {
	dir     string
	console io.Writer
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*runLog
}

type runLog struct {
	path   string
	file   *os.File
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithConsole echoes info-level lines to w.
func WithConsole(w io.Writer) Option {
	return func(lw *Writer) { lw.console = w }
}

// New returns a Writer that creates files under dir. The directory is
// created if missing.
func New(dir string, logger *slog.Logger, opts ...Option) (*Writer, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("activitylog: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		dir:    dir,
		logger: logger.With("component", "activitylog"),
		runs:   make(map[string]*runLog),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the log file of an open run, or "" when the run is
// unknown or already closed.
func (w *Writer) Path(runID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rl, ok := w.runs[runID]; ok {
		return rl.path
	}
	return ""
}

// Close closes the files of any runs that never finished.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for id, rl := range w.runs {
		errs = append(errs, rl.file.Close())
		delete(w.runs, id)
	}
	return errors.Join(errs...)
}

// Notify implements events.Observer.
func (w *Writer) Notify(e events.Event) {
	if e.Kind == events.KindStart {
		w.open(e)
		return
	}

	w.mu.Lock()
	rl, ok := w.runs[e.RunID]
	if ok && (e.Kind == events.KindComplete || e.Kind == events.KindError) {
		delete(w.runs, e.RunID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	log := rl.logger
	switch e.Kind {
	case events.KindIteration:
		log.Info(rule)
		log.Info(fmt.Sprintf("ITERATION %d", e.Iteration))
		log.Info(rule)

	case events.KindThinking:
		log.Info(fmt.Sprintf("[Iteration %d] AGENT THINKING:", e.Iteration))
		logLines(log, slog.LevelInfo, e.Content)

	case events.KindToolCall:
		log.Info(fmt.Sprintf("[Iteration %d] TOOL CALL: %s", e.Iteration, e.ToolName), "call_id", e.CallID)
		if in, ok := e.Data["input"]; ok {
			log.Info("  Input: " + indentJSON(in))
		}

	case events.KindToolResult:
		log.Debug("  Result: "+e.Content, "tool", e.ToolName, "call_id", e.CallID, "ok", e.Data["ok"])

	case events.KindComplete:
		log.Info(rule)
		log.Info(fmt.Sprintf("SEARCH COMPLETED SUCCESSFULLY in %d iterations", e.Iteration))
		log.Info(rule)
		if strings.TrimSpace(e.Content) == "" {
			log.Warn("Final response was empty")
		} else {
			log.Info("FINAL RESPONSE:")
			logLines(log, slog.LevelInfo, e.Content)
		}
		w.finish(rl)

	case events.KindError:
		log.Info(rule)
		log.Error(fmt.Sprintf("SEARCH FAILED after %d iterations", e.Iteration), "status", e.Data["status"])
		log.Error("ERROR: " + e.Content)
		log.Info(rule)
		w.finish(rl)
	}
}

func (w *Writer) open(e events.Event) {
	rl, err := w.create(e.RunID, e.Timestamp)
	if err != nil {
		w.logger.Warn("run log unavailable", "run_id", e.RunID, "error", err)
		return
	}

	w.mu.Lock()
	w.runs[e.RunID] = rl
	w.mu.Unlock()

	log := rl.logger
	log.Info(rule)
	log.Info("Clinical Trial Agent - New Session")
	log.Info("Log file: " + rl.path)
	log.Info(rule)
	log.Info("SEARCH STARTED", "patient_id", e.Data["patient_id"], "model", e.Data["model"])
	if c, ok := e.Data["criteria"]; ok {
		log.Info("Patient Criteria: " + indentJSON(c))
	}
}

// create opens a fresh file for the run. Runs starting in the same
// second get the run ID appended so no file is reused.
func (w *Writer) create(runID string, ts time.Time) (*runLog, error) {
	if ts.IsZero() {
		ts = time.Now()
	}
	base := "agent_run_" + ts.Format("20060102_150405")

	path := filepath.Join(w.dir, base+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		path = filepath.Join(w.dir, base+"_"+shortID(runID)+".log")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return nil, err
	}

	var h slog.Handler = slog.NewTextHandler(f, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	if w.console != nil {
		h = fanout{h, slog.NewTextHandler(w.console, &slog.HandlerOptions{Level: slog.LevelInfo})}
	}
	return &runLog{
		path:   path,
		file:   f,
		logger: slog.New(h).With("run_id", runID),
	}, nil
}

func (w *Writer) finish(rl *runLog) {
	if err := rl.file.Close(); err != nil {
		w.logger.Warn("closing run log failed", "path", rl.path, "error", err)
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[len(id)-12:]
	}
	return id
}

// logLines writes each non-blank line of s as its own record. Invalid
// UTF-8 is replaced rather than rejected.
func logLines(log *slog.Logger, level slog.Level, s string) {
	s = strings.ToValidUTF8(s, "\uFFFD")
	for line := range strings.SplitSeq(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		log.Log(context.Background(), level, "  "+line)
	}
}

func indentJSON(v any) string {
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

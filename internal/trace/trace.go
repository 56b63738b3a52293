// Package trace implements the Trace Sink (spec §4.12): a narrow
// Emit(span) surface that buffers spans per trace id and, once a trace's
// root span completes, aggregates them into one record appended to a
// rotating session JSON file. Grounded on the teacher's
// internal/orchestrator/rotationsweep.go "rotate on threshold, compress
// the old output" shape, generalized from log chunks to trace files.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"lifetrace/internal/clock"
	"lifetrace/internal/logging"
)

// ToolCall and LLMCall are opaque per-span records folded into a trace's
// aggregate record verbatim (spec §6 "Trace file format").
type ToolCall struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
}

type LLMCall struct {
	Model      string `json:"model"`
	DurationMs int64  `json:"duration_ms"`
}

// Span is one unit of work emitted by any component through Sink.Emit. A
// span that is not the root of its trace is buffered until the root span
// arrives; the root span itself carries the fields the aggregated trace
// record is built from.
type Span struct {
	TraceID       string
	SessionID     string // empty ⇒ standalone file, not session-keyed
	IsRoot        bool
	Agent         string
	Input         string
	OutputPreview string
	Status        string
	Timestamp     time.Time
	Duration      time.Duration
	ToolCalls     []ToolCall
	LLMCalls      []LLMCall
}

// TraceRecord is one aggregated trace entry in a session file (spec §6).
type TraceRecord struct {
	TraceID       string     `json:"trace_id"`
	Timestamp     time.Time  `json:"timestamp"`
	DurationMs    int64      `json:"duration_ms"`
	Agent         string     `json:"agent"`
	Input         string     `json:"input"`
	OutputPreview string     `json:"output_preview"`
	ToolCalls     []ToolCall `json:"tool_calls"`
	LLMCalls      []LLMCall  `json:"llm_calls"`
	Status        string     `json:"status"`
	SpanCount     int        `json:"span_count"`
}

// Summary rolls up every trace record currently in a session file.
type Summary struct {
	TotalDurationMs int64  `json:"total_duration_ms"`
	ToolCount       int    `json:"tool_count"`
	LLMCount        int    `json:"llm_count"`
	TraceCount      int    `json:"trace_count"`
	Status          string `json:"status"`
}

// sessionDoc is the on-disk shape of one session file (spec §6 "Trace file
// format").
type sessionDoc struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Traces    []TraceRecord `json:"traces"`
	Summary   Summary       `json:"summary"`
}

// Config mirrors the trace sink's tunables. There is no default_config.yaml
// key for this in spec §6's configuration surface, so DefaultMaxFiles is a
// documented assumption, not a ported constant.
type Config struct {
	// MaxFiles bounds how many trace records a session file holds before
	// it is gzip-rotated and a fresh file opened.
	MaxFiles int
	// QueueSize bounds the Emit buffer; a full queue drops the span.
	QueueSize int
}

const DefaultMaxFiles = 500
const DefaultQueueSize = 256

func DefaultConfig() Config {
	return Config{MaxFiles: DefaultMaxFiles, QueueSize: DefaultQueueSize}
}

type fileState struct {
	path string
	doc  sessionDoc
}

// Sink receives spans from any component via Emit and owns a single
// background goroutine that buffers, aggregates, and writes trace files.
type Sink struct {
	tracesDir string
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	ch chan Span
	wg sync.WaitGroup

	pending map[string][]Span    // trace id -> buffered non-root spans
	files   map[string]*fileState // session id (or "" for standalone) -> active file
}

// New starts a Sink writing session files under tracesDir.
func New(tracesDir string, cfg Config, clk clock.Clock, logger *slog.Logger) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	s := &Sink{
		tracesDir: tracesDir,
		cfg:       cfg,
		clock:     clk,
		logger:    logging.Default(logger).With("component", "trace"),
		ch:        make(chan Span, cfg.QueueSize),
		pending:   make(map[string][]Span),
		files:     make(map[string]*fileState),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Emit enqueues span for aggregation. It never blocks: if the internal
// queue is full the span is dropped and a single warning is logged (spec
// §4.12 "Non-blocking").
func (s *Sink) Emit(span Span) {
	select {
	case s.ch <- span:
	default:
		s.logger.Warn("trace span dropped, queue full", "trace_id", span.TraceID, "is_root", span.IsRoot)
	}
}

// Stop drains any spans already enqueued and stops the background
// goroutine. It does not wait for new Emit calls made after Stop returns.
func (s *Sink) Stop(ctx context.Context) error {
	close(s.ch)
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for span := range s.ch {
		s.process(span)
	}
	for _, id := range sortedTraceIDs(s.pending) {
		s.logger.Warn("trace never completed (no root span), discarding buffered spans",
			"trace_id", id, "span_count", len(s.pending[id]))
	}
}

func (s *Sink) process(span Span) {
	s.pending[span.TraceID] = append(s.pending[span.TraceID], span)
	if !span.IsRoot {
		return
	}

	spans := s.pending[span.TraceID]
	delete(s.pending, span.TraceID)

	rec := aggregate(span, spans)
	if err := s.append(span.SessionID, rec); err != nil {
		s.logger.Warn("failed to write trace record", "trace_id", span.TraceID, "error", err)
	}
}

// aggregate folds every buffered span of a trace (root included) into one
// record, per spec §4.12.
func aggregate(root Span, spans []Span) TraceRecord {
	var toolCalls []ToolCall
	var llmCalls []LLMCall
	earliest := root.Timestamp
	latest := root.Timestamp.Add(root.Duration)
	for _, sp := range spans {
		toolCalls = append(toolCalls, sp.ToolCalls...)
		llmCalls = append(llmCalls, sp.LLMCalls...)
		if sp.Timestamp.Before(earliest) {
			earliest = sp.Timestamp
		}
		if end := sp.Timestamp.Add(sp.Duration); end.After(latest) {
			latest = end
		}
	}

	durationMs := root.Duration.Milliseconds()
	if durationMs == 0 {
		durationMs = latest.Sub(earliest).Milliseconds()
	}

	return TraceRecord{
		TraceID:       root.TraceID,
		Timestamp:     root.Timestamp,
		DurationMs:    durationMs,
		Agent:         root.Agent,
		Input:         root.Input,
		OutputPreview: root.OutputPreview,
		ToolCalls:     toolCalls,
		LLMCalls:      llmCalls,
		Status:        root.Status,
		SpanCount:     len(spans),
	}
}

// append writes rec into the session's active file. If the active file
// already holds cfg.MaxFiles records, it is gzip-rotated and a fresh file
// opened first, so rec always lands in a file under the limit (spec §4.12
// "Rotates when file count exceeds max_files").
func (s *Sink) append(sessionID string, rec TraceRecord) error {
	fs, ok := s.files[sessionID]
	if !ok {
		fs = s.newFileState(sessionID, s.clock.Now())
		s.files[sessionID] = fs
	}

	if len(fs.doc.Traces) >= s.cfg.MaxFiles {
		if err := s.rotate(sessionID, fs); err != nil {
			s.logger.Warn("failed to rotate trace file", "session_id", sessionID, "path", fs.path, "error", err)
		}
		fs = s.files[sessionID]
	}

	fs.doc.Traces = append(fs.doc.Traces, rec)
	fs.doc.UpdatedAt = s.clock.Now()
	fs.doc.Summary = summarize(fs.doc.Traces)

	if err := writeJSONFile(fs.path, fs.doc); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (s *Sink) newFileState(sessionID string, now time.Time) *fileState {
	ts := now.UTC().Format("20060102_150405")
	var name string
	if sessionID != "" {
		name = fmt.Sprintf("session_%s_%s.json", sessionID, ts)
	} else {
		name = fmt.Sprintf("session_standalone_%s.json", ts)
	}
	return &fileState{
		path: filepath.Join(s.tracesDir, name),
		doc: sessionDoc{
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// rotate gzip-compresses the current session file and opens a fresh one
// under a new timestamped name (spec §4.12 "Rotates when file count
// exceeds max_files").
func (s *Sink) rotate(sessionID string, fs *fileState) error {
	data, err := json.MarshalIndent(fs.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session doc for rotation: %w", err)
	}

	gzPath := strings.TrimSuffix(fs.path, ".json") + ".json.gz"
	f, err := os.OpenFile(gzPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("open rotated file: %w", err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		f.Close()
		return fmt.Errorf("gzip rotated file: %w", err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close gzip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close rotated file: %w", err)
	}
	if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove pre-rotation file", "path", fs.path, "error", err)
	}

	s.files[sessionID] = s.newFileState(sessionID, s.clock.Now())
	return nil
}

func summarize(traces []TraceRecord) Summary {
	sum := Summary{TraceCount: len(traces), Status: "ok"}
	for _, t := range traces {
		sum.TotalDurationMs += t.DurationMs
		sum.ToolCount += len(t.ToolCalls)
		sum.LLMCount += len(t.LLMCalls)
		if t.Status != "" && t.Status != "ok" {
			sum.Status = t.Status
		}
	}
	return sum
}

func writeJSONFile(path string, doc sessionDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

// sortedTraceIDs returns pending's keys in deterministic order, so the
// stop-time abandoned-trace warnings are reproducible in tests.
func sortedTraceIDs(pending map[string][]Span) []string {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

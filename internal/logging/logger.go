// Package logging provides config-driven categorized file-based logging for
// the memory engine. Logs are written to <workspace>/.memoria/logs/ with a
// separate file per category. Logging is gated by debug_mode in
// <workspace>/.memoria/config.json — when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category, one per component.
type Category string

const (
	CategoryBoot        Category = "boot"        // process startup/shutdown
	CategoryStore       Category = "store"        // C1 record store
	CategoryEmbedding   Category = "embedding"    // C2 embedding engine and cache
	CategoryVectorIndex Category = "vectorindex"  // C3 vector index
	CategoryLexical     Category = "lexical"      // C4 lexical index
	CategoryRanker      Category = "ranker"        // C5 hybrid ranker and result cache
	CategoryScheduler   Category = "scheduler"     // C6 spaced-repetition scheduler
	CategoryDedup       Category = "dedup"         // C7 contradiction/dedup pipeline
	CategoryIngest      Category = "ingest"        // C8 ingestion pipeline
	CategoryResilience  Category = "resilience"    // C9 pool/breaker/event bus
	CategoryOrchestrator Category = "orchestrator" // C10 façade
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig to avoid
// a circular import between logging and config.
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry is a JSON log entry.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	cfg          loggingConfig
	configMu     sync.RWMutex
	logLevel     int
)

const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config. Call once at
// startup with the engine's workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".memoria", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		cfg.DebugMode = false
	}

	if !cfg.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== memoria logging initialized ===")
	bootLogger.Info("workspace: %s", workspace)
	bootLogger.Info("log level: %s", cfg.Level)

	return nil
}

func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".memoria", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = cf.Logging

	switch cfg.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads logging config from disk; call after an fsnotify
// change event on the config file.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return cfg.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !cfg.DebugMode {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if cfg.JSONFormat {
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// IsJSONFormat returns whether JSON logging is enabled.
func IsJSONFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return cfg.JSONFormat
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS — one Info/Debug/Warn/Error pair per category
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func Embedding(format string, args ...interface{})      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }
func EmbeddingWarn(format string, args ...interface{})  { Get(CategoryEmbedding).Warn(format, args...) }
func EmbeddingError(format string, args ...interface{}) { Get(CategoryEmbedding).Error(format, args...) }

func VectorIndex(format string, args ...interface{})      { Get(CategoryVectorIndex).Info(format, args...) }
func VectorIndexDebug(format string, args ...interface{}) { Get(CategoryVectorIndex).Debug(format, args...) }
func VectorIndexWarn(format string, args ...interface{})  { Get(CategoryVectorIndex).Warn(format, args...) }
func VectorIndexError(format string, args ...interface{}) { Get(CategoryVectorIndex).Error(format, args...) }

func Lexical(format string, args ...interface{})      { Get(CategoryLexical).Info(format, args...) }
func LexicalDebug(format string, args ...interface{}) { Get(CategoryLexical).Debug(format, args...) }
func LexicalWarn(format string, args ...interface{})  { Get(CategoryLexical).Warn(format, args...) }
func LexicalError(format string, args ...interface{}) { Get(CategoryLexical).Error(format, args...) }

func Ranker(format string, args ...interface{})      { Get(CategoryRanker).Info(format, args...) }
func RankerDebug(format string, args ...interface{}) { Get(CategoryRanker).Debug(format, args...) }
func RankerWarn(format string, args ...interface{})  { Get(CategoryRanker).Warn(format, args...) }
func RankerError(format string, args ...interface{}) { Get(CategoryRanker).Error(format, args...) }

func Scheduler(format string, args ...interface{})      { Get(CategoryScheduler).Info(format, args...) }
func SchedulerDebug(format string, args ...interface{}) { Get(CategoryScheduler).Debug(format, args...) }
func SchedulerWarn(format string, args ...interface{})  { Get(CategoryScheduler).Warn(format, args...) }
func SchedulerError(format string, args ...interface{}) { Get(CategoryScheduler).Error(format, args...) }

func Dedup(format string, args ...interface{})      { Get(CategoryDedup).Info(format, args...) }
func DedupDebug(format string, args ...interface{}) { Get(CategoryDedup).Debug(format, args...) }
func DedupWarn(format string, args ...interface{})  { Get(CategoryDedup).Warn(format, args...) }
func DedupError(format string, args ...interface{}) { Get(CategoryDedup).Error(format, args...) }

func Ingest(format string, args ...interface{})      { Get(CategoryIngest).Info(format, args...) }
func IngestDebug(format string, args ...interface{}) { Get(CategoryIngest).Debug(format, args...) }
func IngestWarn(format string, args ...interface{})  { Get(CategoryIngest).Warn(format, args...) }
func IngestError(format string, args ...interface{}) { Get(CategoryIngest).Error(format, args...) }

func Resilience(format string, args ...interface{})      { Get(CategoryResilience).Info(format, args...) }
func ResilienceDebug(format string, args ...interface{}) { Get(CategoryResilience).Debug(format, args...) }
func ResilienceWarn(format string, args ...interface{})  { Get(CategoryResilience).Warn(format, args...) }
func ResilienceError(format string, args ...interface{}) { Get(CategoryResilience).Error(format, args...) }

func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}
func OrchestratorWarn(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Warn(format, args...)
}
func OrchestratorError(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Error(format, args...)
}

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID.
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger for distributed tracing.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(r.fields) > 0 {
		return fmt.Sprintf("[req:%s] %s | %v", r.requestID, msg, r.fields)
	}
	return fmt.Sprintf("[req:%s] %s", r.requestID, msg)
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	r.logger.logger.Printf("[DEBUG] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	r.logger.logger.Printf("[INFO] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	r.logger.logger.Printf("[WARN] %s", r.formatMsg(format, args...))
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.logger.logger == nil {
		return
	}
	r.logger.logger.Printf("[ERROR] %s", r.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold, else debug.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

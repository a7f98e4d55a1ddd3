package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	contextx "github.com/blueplan/smartcare-go/internal/smartcare/context"
)

// 日志级别，数值越大越重要
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger 日志记录器
type Logger struct {
	out    *log.Logger
	closer io.Closer
	mu     sync.RWMutex
	config *LogConfig
	level  int
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Field 键值对
type Field struct {
	Key   string
	Value any
}

// KV 创建键值对
func KV(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// NewLogger 创建输出到标准输出的日志记录器
func NewLogger(level string) (*Logger, error) {
	return newLogger(&LogConfig{Level: level, Format: "text"}, os.Stdout, nil)
}

// NewWithFileRotation 同时输出到标准输出和按日期轮转的文件
func NewWithFileRotation(level, format, filename string) (*Logger, error) {
	if filename == "" {
		return newLogger(&LogConfig{Level: level, Format: format}, os.Stdout, nil)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	rw := newDateRotateWriter(filename)
	return newLogger(&LogConfig{Level: level, Format: format}, io.MultiWriter(os.Stdout, rw), rw)
}

// New 使用任意 writer，主要用于测试
func New(w io.Writer, level, format string) *Logger {
	l, _ := newLogger(&LogConfig{Level: level, Format: format}, w, nil)
	return l
}

// Nop 丢弃所有输出
func Nop() *Logger {
	return New(io.Discard, "ERROR", "text")
}

func newLogger(cfg *LogConfig, w io.Writer, closer io.Closer) (*Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	return &Logger{
		out:    log.New(w, "", 0),
		closer: closer,
		config: cfg,
		level:  lvl,
	}, nil
}

func parseLevel(level string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("未知日志级别: %s", level)
	}
}

// Info 记录信息日志
func (l *Logger) Info(ctx context.Context, message string, fields ...Field) {
	l.log(ctx, LevelInfo, "INFO", message, fields...)
}

// Error 记录错误日志
func (l *Logger) Error(ctx context.Context, message string, fields ...Field) {
	l.log(ctx, LevelError, "ERROR", message, fields...)
}

// Warn 记录警告日志
func (l *Logger) Warn(ctx context.Context, message string, fields ...Field) {
	l.log(ctx, LevelWarn, "WARN", message, fields...)
}

// Debug 记录调试日志
func (l *Logger) Debug(ctx context.Context, message string, fields ...Field) {
	l.log(ctx, LevelDebug, "DEBUG", message, fields...)
}

func (l *Logger) log(ctx context.Context, lvl int, level, message string, fields ...Field) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lvl < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}
	if id, ok := contextx.GetRequestID(ctx); ok {
		entry.RequestID = id
	}
	if id, ok := contextx.GetSessionID(ctx); ok {
		entry.SessionID = id
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]any, len(fields))
		for _, f := range fields {
			if err, ok := f.Value.(error); ok {
				entry.Fields[f.Key] = err.Error()
				continue
			}
			entry.Fields[f.Key] = f.Value
		}
	}

	var line string
	if l.config.Format == "json" {
		b, err := json.Marshal(entry)
		if err != nil {
			line = fmt.Sprintf("日志序列化失败: %v", err)
		} else {
			line = string(b)
		}
	} else {
		line = formatTextLog(entry)
	}
	l.out.Println(line)
}

// formatTextLog 格式化文本日志，字段按键排序保证输出稳定
func formatTextLog(entry LogEntry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05"))
	b.WriteString(" - ")
	b.WriteString(entry.Level)
	b.WriteString(" - ")
	if entry.SessionID != "" {
		b.WriteString("session:" + entry.SessionID + " ")
	}
	if entry.RequestID != "" {
		b.WriteString("[" + entry.RequestID + "] ")
	}
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
	}
	return b.String()
}

// SetConfig 设置日志配置
func (l *Logger) SetConfig(config *LogConfig) error {
	lvl, err := parseLevel(config.Level)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = config
	l.level = lvl
	return nil
}

// GetConfig 获取日志配置
func (l *Logger) GetConfig() LogConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.config
}

// Close 关闭底层文件
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// dateRotateWriter 日期轮转写入器
type dateRotateWriter struct {
	filename string
	file     *os.File
	lastDate string
	mu       sync.Mutex
}

func newDateRotateWriter(filename string) *dateRotateWriter {
	return &dateRotateWriter{filename: filename}
}

// Write 实现io.Writer接口
func (drw *dateRotateWriter) Write(p []byte) (n int, err error) {
	drw.mu.Lock()
	defer drw.mu.Unlock()

	currentDate := time.Now().Format("2006-01-02")
	if drw.lastDate != currentDate {
		if drw.file != nil {
			drw.file.Close()
		}
		name := fmt.Sprintf("%s.%s", drw.filename, currentDate)
		drw.file, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		drw.lastDate = currentDate
	}
	return drw.file.Write(p)
}

// Close 关闭写入器
func (drw *dateRotateWriter) Close() error {
	drw.mu.Lock()
	defer drw.mu.Unlock()
	if drw.file != nil {
		return drw.file.Close()
	}
	return nil
}

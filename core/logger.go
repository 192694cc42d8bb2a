package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ProductionLogger is the framework's standard Logger implementation.
// JSON format for aggregation pipelines, text for local development, level
// filtering, and flood limiting on error-level lines so a failing dependency
// cannot drown the log stream. Safe for concurrent use.
//
// WithComponent derives child loggers that stamp a component field on every
// line while sharing the sink, level, and limiter with the parent.
type ProductionLogger struct {
	core      *loggerCore
	component string
}

// loggerCore holds the state shared between a logger and its children.
type loggerCore struct {
	mu          sync.RWMutex
	level       string
	format      string
	serviceName string
	output      io.Writer

	errLimiter *rate.Limiter
	suppressed atomic.Int64
}

// NewProductionLogger creates the production logger from config. The output
// is stderr unless the config selects stdout; tests redirect with SetOutput.
func NewProductionLogger(cfg LoggerConfig, serviceName string) *ProductionLogger {
	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var output io.Writer = os.Stderr
	if strings.ToLower(cfg.Output) == "stdout" {
		output = os.Stdout
	}

	interval := time.Duration(cfg.ErrorIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	burst := cfg.ErrorBurst
	if burst <= 0 {
		burst = 10
	}

	return &ProductionLogger{
		core: &loggerCore{
			level:       level,
			format:      format,
			serviceName: serviceName,
			output:      output,
			errLimiter:  rate.NewLimiter(rate.Every(interval), burst),
		},
	}
}

// WithComponent returns a child logger stamping the given component on every
// line. The child shares the parent's sink, level, and error limiter.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{core: l.core, component: component}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("info", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("warn", msg, fields)
}

// Error logs at error level. Lines beyond the configured rate are counted
// and reported as a suppressed_errors field on the next admitted line.
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if !l.core.errLimiter.Allow() {
		l.core.suppressed.Add(1)
		return
	}
	if n := l.core.suppressed.Swap(0); n > 0 {
		merged := make(map[string]interface{}, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["suppressed_errors"] = n
		fields = merged
	}
	l.log("error", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("debug", msg, fields)
}

// SetLevel dynamically updates the minimum level.
func (l *ProductionLogger) SetLevel(level string) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = strings.ToLower(level)
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.output = w
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	c := l.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !shouldLog(c.level, level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if c.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.core.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		// Reserved envelope fields cannot be overwritten by callers.
		switch k {
		case "timestamp", "level", "service", "component", "message":
		default:
			entry[k] = v
		}
	}

	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.core.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}

	scope := l.core.serviceName
	if l.component != "" {
		scope = l.component + ":" + scope
	}
	fmt.Fprintf(l.core.output, "%s [%s] [%s] %s%s\n",
		timestamp, strings.ToUpper(level), scope, msg, b.String())
}

// shouldLog applies the level hierarchy: debug < info < warn < error.
func shouldLog(configured, message string) bool {
	levels := map[string]int{
		"debug": 0,
		"info":  1,
		"warn":  2,
		"error": 3,
	}
	current, ok1 := levels[configured]
	incoming, ok2 := levels[message]
	if !ok1 || !ok2 {
		return true
	}
	return incoming >= current
}

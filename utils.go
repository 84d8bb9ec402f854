package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// maxLoggedBody caps how much of a response body lands in requests.log.
const maxLoggedBody = 5000

// logChannel is one optional diagnostics file.
type logChannel struct {
	enabled bool
	file    *os.File
	count   int
}

func (c *logChannel) active() bool { return c.enabled && c.file != nil }

// AppLogger writes the extended diagnostics: HTTP traffic, everything said at
// every table, websocket frames and dumps of the history database. Each kind
// goes to its own file under OutputDir and is off unless enabled.
type AppLogger struct {
	mu       sync.Mutex
	debug    bool
	requests logChannel
	events   logChannel
	db       logChannel
	ws       logChannel
	store    *HistoryStore
}

// Global application logger (used by server)
var appLogger *AppLogger

// LogConfig holds logging configuration
type LogConfig struct {
	OutputDir   string `env:"LOG_OUTPUT_DIR"`
	LogRequests bool   `env:"LOG_REQUESTS"`
	LogEvents   bool   `env:"LOG_EVENTS"`
	LogDB       bool   `env:"LOG_DB"`
	LogWS       bool   `env:"LOG_WS"`
	Debug       bool   `env:"LOG_DEBUG"`
}

func NewAppLogger(config LogConfig) (*AppLogger, error) {
	al := &AppLogger{
		debug:    config.Debug,
		requests: logChannel{enabled: config.LogRequests},
		events:   logChannel{enabled: config.LogEvents},
		db:       logChannel{enabled: config.LogDB},
		ws:       logChannel{enabled: config.LogWS},
	}
	if config.OutputDir == "" {
		return al, nil // debug output only
	}

	files := []struct {
		ch   *logChannel
		name string
	}{
		{&al.requests, "requests.log"},
		{&al.events, "events.log"},
		{&al.db, "database.log"},
		{&al.ws, "websocket.log"},
	}
	for _, f := range files {
		if !f.ch.enabled {
			continue
		}
		file, err := os.OpenFile(filepath.Join(config.OutputDir, f.name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			al.Close()
			return nil, fmt.Errorf("failed to open %s: %w", f.name, err)
		}
		f.ch.file = file
	}
	return al, nil
}

// NewAppLoggerFromEnv reads LOG_* variables, falling back to their TEST_LOG_*
// twins so a test run can be traced without touching the server's environment.
func NewAppLoggerFromEnv() (*AppLogger, error) {
	var server, test LogConfig
	if err := env.Parse(&server); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(&test, env.Options{Prefix: "TEST_"}); err != nil {
		return nil, err
	}

	config := LogConfig{
		OutputDir:   server.OutputDir,
		LogRequests: server.LogRequests || test.LogRequests,
		LogEvents:   server.LogEvents || test.LogEvents,
		LogDB:       server.LogDB || test.LogDB,
		LogWS:       server.LogWS || test.LogWS,
		Debug:       server.Debug || test.Debug,
	}
	if config.OutputDir == "" {
		config.OutputDir = test.OutputDir
	}
	return NewAppLogger(config)
}

// AttachStore lets LogDB dump the given history database.
func (al *AppLogger) AttachStore(store *HistoryStore) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.store = store
}

func (al *AppLogger) Close() {
	for _, ch := range []*logChannel{&al.requests, &al.events, &al.db, &al.ws} {
		if ch.file != nil {
			ch.file.Close()
		}
	}
}

func stamp() string { return time.Now().Format("15:04:05.000") }

// LogRequest records one HTTP exchange.
func (al *AppLogger) LogRequest(r *http.Request, reqBody []byte, status int, header http.Header, respBody []byte) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.requests.active() {
		return
	}
	al.requests.count++

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== REQUEST #%d [%s] ==========\n", al.requests.count, stamp())
	fmt.Fprintf(&buf, "%s %s\n", r.Method, r.URL)
	if len(reqBody) > 0 {
		fmt.Fprintf(&buf, "\n--- Request Body ---\n%s\n", reqBody)
	}
	if status != 0 {
		fmt.Fprintf(&buf, "\n--- Response [%d %s] ---\n", status, http.StatusText(status))
		keys := make([]string, 0, len(header))
		for k := range header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&buf, "%s: %s\n", k, strings.Join(header[k], ", "))
		}
	}
	if len(respBody) > 0 {
		buf.WriteString("\n--- Response Body ---\n")
		if len(respBody) > maxLoggedBody {
			buf.Write(respBody[:maxLoggedBody])
			fmt.Fprintf(&buf, "\n... (truncated, %d bytes total)", len(respBody))
		} else {
			buf.Write(respBody)
		}
		buf.WriteString("\n")
	}
	al.requests.file.Write(buf.Bytes())
}

// LogEvent appends one line to the table log: who heard what, where.
func (al *AppLogger) LogEvent(venueID string, scope Scope, text string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.events.active() {
		return
	}
	al.events.count++
	fmt.Fprintf(al.events.file, "[%s] #%d %s/%s: %s\n", stamp(), al.events.count, venueID, scope, text)
}

func (al *AppLogger) LogWebSocket(direction, player, message string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.ws.active() {
		return
	}
	al.ws.count++
	fmt.Fprintf(al.ws.file, "[%s] #%d %s [Player %s]: %s\n", stamp(), al.ws.count, direction, player, message)
}

// LogDB dumps every table of the attached history store.
func (al *AppLogger) LogDB(context string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.db.active() || al.store == nil {
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== DATABASE DUMP [%s] ==========\nContext: %s\n\n", stamp(), context)
	writeTables(&buf, al.store.dumpTables())
	al.db.file.Write(buf.Bytes())
}

// writeTables prints tables and their rows with columns in a stable order.
func writeTables(w io.Writer, tables map[string][]map[string]any) {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(w, "--- Table: %s ---\n", name)
		rows := tables[name]
		if len(rows) == 0 {
			fmt.Fprint(w, "(empty)\n\n")
			continue
		}
		for i, row := range rows {
			cols := make([]string, 0, len(row))
			for col := range row {
				cols = append(cols, col)
			}
			sort.Strings(cols)
			fields := make([]string, len(cols))
			for j, col := range cols {
				v := row[col]
				if v == nil {
					v = "NULL"
				}
				fields[j] = fmt.Sprintf("%s=%v", col, v)
			}
			fmt.Fprintf(w, "Row %d: %s\n", i+1, strings.Join(fields, " | "))
		}
		fmt.Fprintln(w)
	}
}

func (al *AppLogger) Debug(format string, args ...any) {
	if !al.debug {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}

// IsEnabled returns true if any logging is enabled
func (al *AppLogger) IsEnabled() bool {
	return al.requests.enabled || al.events.enabled || al.db.enabled || al.ws.enabled || al.debug
}

// captureWriter passes a response through while keeping a copy for the log.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// LoggingHandler records every request and response to requests.log. The
// websocket upgrade is only noted, since it needs the raw ResponseWriter.
type LoggingHandler struct {
	Handler http.Handler
	Logger  *AppLogger
}

func (l *LoggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		l.Logger.LogRequest(r, nil, 0, nil, []byte("[WebSocket upgrade]"))
		l.Handler.ServeHTTP(w, r)
		return
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	cw := &captureWriter{ResponseWriter: w}
	l.Handler.ServeHTTP(cw, r)
	l.Logger.LogRequest(r, reqBody, cw.status, w.Header(), cw.body.Bytes())
}

// logError logs an error with context, dumping the database in dev mode
func logError(context string, err error) {
	if err == nil {
		return
	}
	log.Printf("ERROR [%s]: %v", context, err)
	if devMode {
		LogDBState("error: " + context)
	}
}

func LogWSMessage(direction, player, message string) {
	if appLogger != nil {
		appLogger.LogWebSocket(direction, player, message)
	}
}

func LogEvent(venueID string, scope Scope, text string) {
	if appLogger != nil {
		appLogger.LogEvent(venueID, scope, text)
	}
}

func LogDBState(context string) {
	if appLogger != nil {
		appLogger.LogDB(context)
	}
}

// DebugLog logs a debug message tagged with where it came from
func DebugLog(context, format string, args ...any) {
	if appLogger != nil {
		appLogger.Debug("["+context+"] "+format, args...)
	}
}

func CloseAppLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}

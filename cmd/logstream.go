package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

const (
	logDebounce = 200 * time.Millisecond
	logRefresh  = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// LogMessage is what websocket clients receive: the whole progress log.
type LogMessage struct {
	Type string `json:"type"`
	Log  string `json:"log"`
}

// clientWrapper serializes writes to one websocket connection.
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v interface{}) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

// logStream pushes the progress log to websocket clients whenever the file
// changes.
type logStream struct {
	path   string
	read   func() (string, error)
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*clientWrapper
	last    string
}

func newLogStream(path string, read func() (string, error), logger *slog.Logger) *logStream {
	return &logStream{
		path:    path,
		read:    read,
		logger:  logger,
		clients: make(map[*websocket.Conn]*clientWrapper),
	}
}

// ServeHTTP upgrades the request, sends the current log and keeps the client
// registered until it disconnects.
func (s *logStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Log websocket upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()

	client := &clientWrapper{conn: conn}
	text, err := s.read()
	if err != nil {
		s.logger.Warn("Failed to read import log: " + err.Error())
	}
	if err := client.writeJSON(LogMessage{Type: "log", Log: text}); err != nil {
		return
	}

	s.mu.Lock()
	s.clients[conn] = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("Log websocket error: " + err.Error())
			}
			return
		}
	}
}

// broadcast sends the log to every client if it changed since the last send.
func (s *logStream) broadcast() {
	text, err := s.read()
	if err != nil {
		s.logger.Warn("Failed to read import log: " + err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.last {
		return
	}
	s.last = text

	for conn, client := range s.clients {
		if err := client.writeJSON(LogMessage{Type: "log", Log: text}); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// run watches the log's directory until ctx ends. Without fsnotify it falls
// back to the periodic refresh alone.
func (s *logStream) run(ctx context.Context) {
	refresh := time.NewTicker(logRefresh)
	defer refresh.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("Failed to create file watcher, falling back to polling: " + err.Error())
	} else {
		defer watcher.Close()
		dir := filepath.Dir(s.path)
		_ = os.MkdirAll(dir, 0o755)
		if err := watcher.Add(dir); err != nil {
			s.logger.Warn("Failed to watch log directory: " + err.Error())
		}
		events, errs = watcher.Events, watcher.Errors
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(logDebounce, s.broadcast)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Debug("File watcher error: " + err.Error())
		case <-refresh.C:
			s.broadcast()
		}
	}
}

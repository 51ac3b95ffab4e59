// Package logbuf keeps the tail of the process log in memory and serves it
// over HTTP, either as a JSON snapshot or as a Server-Sent Events stream.
package logbuf

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

const DefaultSize = 500

// Entry is one log line. Lines emitted by go-log in JSON form are split into
// their fields; anything else lands in Msg verbatim.
type Entry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

type Buffer struct {
	mu      sync.Mutex
	entries *ring[Entry]
	subs    map[chan Entry]struct{}
	partial bytes.Buffer
}

func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		entries: newRing[Entry](size),
		subs:    make(map[chan Entry]struct{}),
	}
}

// Write implements io.Writer. Input is split on newlines; a trailing partial
// line is held until its newline arrives.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line)
		b.entries.push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow subscriber, drop
			}
		}
	}
	return len(p), nil
}

func parseLine(line string) Entry {
	var z struct {
		Level  string `json:"level"`
		TS     string `json:"ts"`
		Logger string `json:"logger"`
		Msg    string `json:"msg"`
	}
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &z) == nil && z.Msg != "" {
		ts, err := time.Parse(time.RFC3339Nano, z.TS)
		if err != nil {
			ts = time.Now()
		}
		return Entry{TS: ts, Level: z.Level, Logger: z.Logger, Msg: z.Msg}
	}
	return Entry{TS: time.Now(), Msg: line}
}

// Follow copies every go-log record at level or above into b until ctx is
// done.
func (b *Buffer) Follow(ctx context.Context, level logging.LogLevel) {
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput), logging.PipeLevel(level))
	go func() {
		<-ctx.Done()
		_ = pipe.Close()
	}()
	go func() {
		_, _ = io.Copy(b, pipe)
	}()
}

// Tail returns the newest n entries, oldest first. n <= 0 returns all.
func (b *Buffer) Tail(n int) []Entry {
	return b.entries.last(n)
}

func (b *Buffer) Len() int { return b.entries.len() }

func (b *Buffer) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?n=100
func (b *Buffer) ServeJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Tail(n))
}

// GET /api/logs/stream (Server-Sent Events), new entries only
func (b *Buffer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}

package logbuf

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteSplitsLines(t *testing.T) {
	b := New(10)
	b.Write([]byte("first\nsec"))
	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1 (partial line held)", b.Len())
	}
	b.Write([]byte("ond\r\n\n"))
	got := b.Tail(0)
	if len(got) != 2 || got[0].Msg != "first" || got[1].Msg != "second" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestWriteParsesJSONRecords(t *testing.T) {
	b := New(10)
	b.Write([]byte(`{"level":"info","ts":"2024-05-01T10:00:00.5Z","logger":"calls","caller":"calls/manager.go:10","msg":"call c1 active"}` + "\n"))
	e := b.Tail(1)[0]
	if e.Level != "info" || e.Logger != "calls" || e.Msg != "call c1 active" {
		t.Fatalf("entry = %+v", e)
	}
	if e.TS.Year() != 2024 {
		t.Fatalf("ts = %s", e.TS)
	}
}

func TestRingKeepsNewest(t *testing.T) {
	b := New(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		b.Write([]byte(s + "\n"))
	}
	all := b.Tail(0)
	if len(all) != 3 || all[0].Msg != "c" || all[2].Msg != "e" {
		t.Fatalf("tail = %+v", all)
	}
	if two := b.Tail(2); len(two) != 2 || two[0].Msg != "d" {
		t.Fatalf("tail(2) = %+v", two)
	}
}

func TestSubscribeReceivesNewLines(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe()
	b.Write([]byte("hello\n"))
	if e := <-ch; e.Msg != "hello" {
		t.Fatalf("got %+v", e)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
}

func TestServeJSON(t *testing.T) {
	b := New(10)
	b.Write([]byte("x\ny\nz\n"))
	rec := httptest.NewRecorder()
	b.ServeJSON(rec, httptest.NewRequest("GET", "/api/logs?n=2", nil))
	var got []Entry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Msg != "y" {
		t.Fatalf("body = %+v", got)
	}

	rec = httptest.NewRecorder()
	b.ServeJSON(rec, httptest.NewRequest("POST", "/api/logs", nil))
	if rec.Code != 405 {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

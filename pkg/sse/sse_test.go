package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewWriterSetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if w == nil {
		t.Fatal("nil writer")
	}

	h := rec.Header()
	if got := h.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content-type = %q", got)
	}
	if got := h.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("cache-control = %q", got)
	}
	if got := h.Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("x-accel-buffering = %q", got)
	}
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSendFramesJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.Send(map[string]string{"type": "start"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Send(map[string]string{"type": "done"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	body := rec.Body.String()
	events := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(events) != 2 {
		t.Fatalf("events = %d: %q", len(events), body)
	}
	for _, e := range events {
		if !strings.HasPrefix(e, "data: {") {
			t.Errorf("bad frame: %q", e)
		}
	}
	if !strings.Contains(events[0], `"type":"start"`) {
		t.Errorf("first event = %q", events[0])
	}
}

func TestSendUnmarshalableValue(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.Send(make(chan int)); err == nil {
		t.Error("marshaling a channel did not error")
	}
}

package loki

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestPushEvent_SendsStream(t *testing.T) {
	var got PushRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad push body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := PushEvent(context.Background(), srv.URL, ts, `{"x":1}`, map[string]string{"session_id": "s1"})
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if path != "/loki/api/v1/push" {
		t.Errorf("path = %q, want /loki/api/v1/push", path)
	}
	if len(got.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(got.Streams))
	}
	st := got.Streams[0]
	if st.Stream["job"] != "batonrelay" {
		t.Errorf("job label = %q, want batonrelay", st.Stream["job"])
	}
	if st.Stream["session_id"] != "s1" {
		t.Errorf("session_id label = %q, want s1", st.Stream["session_id"])
	}
	if len(st.Values) != 1 || st.Values[0][1] != `{"x":1}` {
		t.Errorf("values = %v", st.Values)
	}
}

func TestPushEvent_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := PushEvent(context.Background(), srv.URL, time.Now(), "line", nil); err == nil {
		t.Fatal("PushEvent succeeded on 400, want error")
	}
}

func TestPushEventJSON_ExtractsLabelsAndTimestamp(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	raw := []byte(`{"sessionId":"s1","kind":"entry_chain","outcome":"rejected","errorCode":"EXPIRED_TOKEN","createdAt":"2026-03-01T10:00:00Z"}`)
	if err := PushEventJSON(context.Background(), srv.URL, raw); err != nil {
		t.Fatalf("PushEventJSON: %v", err)
	}
	st := got.Streams[0]
	want := map[string]string{
		"session_id": "s1",
		"kind":       "entry_chain",
		"outcome":    "rejected",
		"error_code": "EXPIRED_TOKEN",
	}
	for k, v := range want {
		if st.Stream[k] != v {
			t.Errorf("label %q = %q, want %q", k, st.Stream[k], v)
		}
	}
	wantNS := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixNano()
	if st.Values[0][0] != strconv.FormatInt(wantNS, 10) {
		t.Errorf("timestamp = %s, want %d", st.Values[0][0], wantNS)
	}
}

func TestPushEventJSON_UnparsableLineStillPushes(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := PushEventJSON(context.Background(), srv.URL, []byte("not json")); err != nil {
		t.Fatalf("PushEventJSON: %v", err)
	}
	st := got.Streams[0]
	if st.Values[0][1] != "not json" {
		t.Errorf("line = %q, want raw input", st.Values[0][1])
	}
	if len(st.Stream) != 1 || st.Stream["job"] != "batonrelay" {
		t.Errorf("labels = %v, want only job", st.Stream)
	}
}

package httprelay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pacerlabs/stride/internal/record"
)

func TestPublishTreats2xxAsAck(t *testing.T) {
	var received record.Record
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publish" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		rec, err := record.Decode(body)
		if err != nil {
			t.Errorf("unexpected decode error: %v", err)
		}
		received = rec
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	rec := record.Record{
		ID: "abc", Author: "captain-1", Kind: record.KindPeopleRoster,
		Tags: [][]string{{record.TagD, "roster-a"}}, CreatedAt: 100, Sig: "sig",
	}
	if err := client.Publish(context.Background(), rec); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if received.ID != "abc" {
		t.Fatalf("relay did not receive the envelope: %#v", received)
	}
}

func TestPublishReportsRelayRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if err := client.Publish(context.Background(), record.Record{Author: "a", Kind: 1}); err == nil {
		t.Fatalf("expected rejection error")
	}
}

func TestSubscribeStreamsNDJSONUntilCancelled(t *testing.T) {
	records := []record.Record{
		{ID: "r1", Author: "captain-1", Kind: record.KindPeopleRoster, Tags: [][]string{{record.TagD, "a"}}, CreatedAt: 100, Sig: "s"},
		{ID: "r2", Author: "captain-1", Kind: record.KindPeopleRoster, Tags: [][]string{{record.TagD, "b"}}, CreatedAt: 101, Sig: "s"},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/req" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		flusher := w.(http.Flusher)
		encoder := json.NewEncoder(w)
		for _, rec := range records {
			if err := encoder.Encode(rec); err != nil {
				return
			}
		}
		// Garbage lines must be skipped, not kill the stream.
		_, _ = w.Write([]byte("{broken\n"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := client.Subscribe(ctx, record.Filter{Kinds: []int{record.KindPeopleRoster}})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	var got []record.Record
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case rec, open := <-stream:
			if !open {
				t.Fatalf("stream closed early with %d records", len(got))
			}
			got = append(got, rec)
		case <-timeout:
			t.Fatalf("timed out with %d records", len(got))
		}
	}
	if got[0].ID != "r1" || got[1].ID != "r2" {
		t.Fatalf("unexpected stream contents: %#v", got)
	}

	cancel()
	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected stream to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not close after cancel")
	}
}

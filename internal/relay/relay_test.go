package relay

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	for i := 0; i < subscriberBufSize+3; i++ {
		b.Publish(Event{Kind: KindPopupStep})
	}
	if got, want := len(ch), subscriberBufSize; got != want {
		t.Fatalf("buffered = %d; want %d", got, want)
	}
	published, dropped := b.Stats()
	if published != int64(subscriberBufSize+3) || dropped != 3 {
		t.Fatalf("Stats() = %d, %d", published, dropped)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	if got := b.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d; want 1", got)
	}
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestNewEventEncodesPayload(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := NewEvent(KindBrowserCreated, at, map[string]any{"browser_id": 3})
	if evt.ID == "" || evt.Kind != KindBrowserCreated || !evt.Time.Equal(at) {
		t.Fatalf("event = %+v", evt)
	}
	if got, want := evt.Payload, `{"browser_id":3}`; got != want {
		t.Fatalf("Payload = %s; want %s", got, want)
	}
}

func TestKindFilter(t *testing.T) {
	set := parseKinds("browser.created, popup.*")
	cases := map[string]bool{
		KindBrowserCreated:   true,
		KindBrowserDestroyed: false,
		KindPopupStep:        true,
		KindPopupCancelled:   true,
		KindFrameAttached:    false,
	}
	for kind, want := range cases {
		if got := set.match(kind); got != want {
			t.Fatalf("match(%q) = %v; want %v", kind, got, want)
		}
	}
	if !parseKinds("").match(KindOwnerTimeout) {
		t.Fatal("empty filter rejected an event")
	}
}

func TestSSEHandlerStreamsFilteredEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?kinds=frame.*", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(Event{ID: "1", Kind: KindBrowserCreated, Payload: `{}`})
	b.Publish(Event{ID: "2", Kind: KindFrameDetached, Payload: `{"reason":"FRAME_DELETED"}`})

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var got []string
	for len(got) < 3 {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended early: %v", got)
			}
			if line != "" {
				got = append(got, line)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := "id: 2\nevent: frame.detached\ndata: {\"reason\":\"FRAME_DELETED\"}"
	if strings.Join(got, "\n") != want {
		t.Fatalf("stream = %q; want %q", strings.Join(got, "\n"), want)
	}
}

package reader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fraudflow/internal/channel"
	"fraudflow/models"
)

func wsServer(t *testing.T, payloads [][]byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for _, payload := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForRaw(t *testing.T, ch *channel.Channels, want int) []models.RawTransactionMessage {
	t.Helper()
	got := make([]models.RawTransactionMessage, 0, want)
	deadline := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case msg := <-ch.Raw:
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("received %d raw messages, want %d", len(got), want)
		}
	}
	return got
}

func TestIngestForwardsTransactions(t *testing.T) {
	tx := models.Transaction{
		ID:        "TX1",
		EntityID:  7,
		Amount:    250.0,
		Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	payload, _ := json.Marshal(tx)

	srv := wsServer(t, [][]byte{payload, payload})
	defer srv.Close()

	ch := channel.NewChannels(8, 8)
	r := NewIngest(Config{URL: wsURL(srv), Source: "test"}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs := waitForRaw(t, ch, 2)
	cancel()
	r.Stop()

	for _, msg := range msgs {
		if msg.Source != "test" {
			t.Errorf("source = %q, want test", msg.Source)
		}
		var decoded models.Transaction
		if err := json.Unmarshal(msg.Data, &decoded); err != nil || decoded.ID != "TX1" {
			t.Errorf("payload not forwarded intact: %s", msg.Data)
		}
	}
}

func TestIngestSkipsMalformedPayloads(t *testing.T) {
	good, _ := json.Marshal(models.Transaction{ID: "TX9", EntityID: 1, Amount: 1.0, Timestamp: time.Now()})
	payloads := [][]byte{
		[]byte("not json"),
		[]byte(`{"entity_id": 3}`), // missing transaction id
		good,
	}

	srv := wsServer(t, payloads)
	defer srv.Close()

	ch := channel.NewChannels(8, 8)
	r := NewIngest(Config{URL: wsURL(srv)}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs := waitForRaw(t, ch, 1)
	cancel()
	r.Stop()

	var decoded models.Transaction
	if err := json.Unmarshal(msgs[0].Data, &decoded); err != nil || decoded.ID != "TX9" {
		t.Errorf("forwarded message = %s, want TX9 payload", msgs[0].Data)
	}

	_, malformed, _ := r.Stats()
	if malformed != 2 {
		t.Errorf("malformed count = %d, want 2", malformed)
	}
}

func TestIngestRequiresURL(t *testing.T) {
	r := NewIngest(Config{}, channel.NewChannels(1, 1))
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("start without url must fail")
	}
}

func TestIngestDoubleStart(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()

	ch := channel.NewChannels(1, 1)
	r := NewIngest(Config{URL: wsURL(srv)}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Error("second start must fail")
	}
	cancel()
	r.Stop()
}

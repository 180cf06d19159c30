package livesync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestChannelRoundTripOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverReceived := make(chan Message, 4)
	serverConn := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/doc/7/" || r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if message, ok := ParseMessage(data); ok {
				serverReceived <- message
			}
		}
	}))
	defer server.Close()

	pages := make(chan int, 1)
	opened := make(chan struct{}, 1)
	channel := NewChannel(Config{
		ServerBase: server.URL,
		DocumentID: "7",
		Token:      "secret",
		Role:       RoleAssistant,
	})
	defer channel.Close()
	channel.SetHandlers(Handlers{
		OnOpen:       func() { opened <- struct{}{} },
		OnRemotePage: func(page int) { pages <- page },
	})
	channel.Start()
	waitSignal(t, opened, "websocket open")

	var conn *websocket.Conn
	select {
	case conn = <-serverConn:
	case <-time.After(time.Second):
		t.Fatal("expected server side connection")
	}

	if !channel.NotifyLocalPage(3) {
		t.Fatalf("expected page notification to be sent")
	}
	select {
	case message := <-serverReceived:
		if message.Type != MessageTypePageChange || *message.Page != 3 {
			t.Fatalf("unexpected server message %#v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("expected server to receive page change")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PAGE_CHANGE","page":8}`)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	select {
	case page := <-pages:
		if page != 8 {
			t.Fatalf("expected page 8, got %d", page)
		}
	case <-time.After(time.Second):
		t.Fatal("expected remote page callback")
	}

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("server close failed: %v", err)
	}
	waitState(t, channel, StateClosedClean)
}

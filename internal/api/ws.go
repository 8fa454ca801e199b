package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coldchain/internal/monitor"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage is the envelope for both directions. Clients send
// connection_init, subscribe {"channel": ...}, complete and ping; the server
// answers with connection_ack, next (payload is a monitor event), error,
// complete and pong.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Channel string `json:"channel"`
}

const (
	wsReadTimeout = 60 * time.Second
	wsPingEvery   = 20 * time.Second
)

// WSHandler handles /v1/ws
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		b, _ := json.Marshal(map[string]string{"message": msg})
		_ = write(wsMessage{Type: "error", ID: id, Payload: b})
		_ = write(wsMessage{Type: "complete", ID: id})
	}

	subs := map[string]*monitor.Subscription{}
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		for _, sub := range subs {
			sub.Close()
		}
		wg.Wait()
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	keepalive := sync.OnceFunc(func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(wsPingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					wmu.Lock()
					err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
					wmu.Unlock()
					if err != nil {
						return
					}
				}
			}
		}()
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			keepalive()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl subscribePayload
			if err := json.Unmarshal(msg.Payload, &pl); err != nil || !validChannel(pl.Channel) {
				fail(msg.ID, "channel must be fleet, alerts, emergency or vehicle:<id>")
				continue
			}
			if msg.ID == "" || subs[msg.ID] != nil {
				fail(msg.ID, "subscription id missing or already in use")
				continue
			}
			sub := s.Monitor.Broker.Subscribe(pl.Channel)
			subs[msg.ID] = sub
			wg.Add(1)
			go func(id string, sub *monitor.Subscription) {
				defer wg.Done()
				for evt := range sub.C {
					b, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: b}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, sub)
		case "complete":
			if sub, ok := subs[msg.ID]; ok {
				sub.Close()
				delete(subs, msg.ID)
			}
		}
	}
}

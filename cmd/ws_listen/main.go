package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// envelope mirrors the frames sent by the qmkvolume state websocket.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type volumeData struct {
	Volume      float32 `json:"volume"`
	Muted       bool    `json:"muted"`
	Valid       bool    `json:"valid"`
	Level       int     `json:"level"`
	DefaultSink string  `json:"default_sink,omitempty"`
	Instance    string  `json:"instance,omitempty"`
}

type displayData struct {
	Level   int    `json:"level"`
	Muted   bool   `json:"muted"`
	Devices int    `json:"devices"`
	Error   string `json:"error,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("url", "ws://127.0.0.1:3002/ws/state", "qmkvolume state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as indented JSON instead of a summary")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Control frames and data frames share the connection's single writer.
	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			handleFrame(message, *raw)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleFrame prints one state frame.
func handleFrame(message []byte, raw bool) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	if raw {
		var v any
		_ = json.Unmarshal(message, &v)
		pretty, _ := json.MarshalIndent(v, "", "  ")
		fmt.Printf("%s\n", string(pretty))
		return
	}

	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000") + " "
	}

	switch env.Type {
	case "state_init", "volume_changed":
		var v volumeData
		if err := json.Unmarshal(env.Data, &v); err != nil {
			fmt.Printf("%s[%s] bad payload: %v\n", ts, env.Type, err)
			return
		}
		if env.Type == "state_init" {
			fmt.Printf("%s[INIT] instance=%s sink=%q\n", ts, v.Instance, v.DefaultSink)
		}
		if !v.Valid {
			fmt.Printf("%s[VOLUME] none\n", ts)
			return
		}
		fmt.Printf("%s[VOLUME] %.3f level=%d %s\n", ts, v.Volume, v.Level, muteLabel(v.Muted))

	case "display_updated":
		var d displayData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			fmt.Printf("%s[%s] bad payload: %v\n", ts, env.Type, err)
			return
		}
		if d.Error != "" {
			fmt.Printf("%s[DISPLAY] level=%d %s devices=%d error=%s\n", ts, d.Level, muteLabel(d.Muted), d.Devices, d.Error)
			return
		}
		fmt.Printf("%s[DISPLAY] level=%d %s devices=%d\n", ts, d.Level, muteLabel(d.Muted), d.Devices)

	default:
		fmt.Printf("%s[%s] %s\n", ts, env.Type, string(env.Data))
	}
}

func muteLabel(muted bool) string {
	if muted {
		return "MUTED"
	}
	return "UNMUTED"
}

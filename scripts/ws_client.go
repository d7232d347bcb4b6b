// Package main runs a demo WebSocket client that seeds one vehicle, dispatches a request
// against it and prints the decision stream.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const tenant = "t_demo"

func post(base, path, body string) {
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", tenant)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	log.Printf("POST %s -> %s", path, resp.Status)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	post(base, "/v1/vehicles", `{"vehicles":[{"id":"demo-bus","serviceEndTime":7200,
		"lastTask":{"beginTime":3600,"endTime":7200},
		"stops":[{"requestId":"r0","kind":"dropoff","beginTime":600,"endTime":660,"latestArrivalTime":900,"latestDepartureTime":960}]}]}`)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/decisions/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), http.Header{"X-Tenant-Id": []string{tenant}})
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	time.Sleep(300 * time.Millisecond)
	post(base, "/v1/dispatch", `{"request":{"id":"demo-1","earliestStartTime":300,"latestStartTime":900,"latestArrivalTime":1800},"now":0,
		"candidates":[{"vehicleId":"demo-bus","pickupIndex":1,"dropoffIndex":1,
		"detour":{"departureTime":720,"arrivalTime":1100,"pickupTimeLoss":0,"dropoffTimeLoss":0}}]}`)

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// Keepalive defaults, used when the config leaves the knobs unset. The pong
// window must outlast the ping interval or healthy peers get reaped.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	controlWriteWait    = 10 * time.Second
)

// startKeepalive arms the ping/pong cycle on this connection: pings go out
// every interval under the session's write mutex, and a pong (or any client
// data) pushes the read deadline out by wait. The returned stop function
// ends the ping loop; an expired read deadline then unblocks the read loop
// on its own.
func (ls *liveSession) startKeepalive(interval, wait time.Duration) (stop func()) {
	_ = ls.conn.SetReadDeadline(time.Now().Add(wait))
	ls.conn.SetPongHandler(func(string) error {
		return ls.conn.SetReadDeadline(time.Now().Add(wait))
	})

	stopped := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ticker.C:
				ls.mu.Lock()
				err := ls.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
				ls.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	return func() { close(stopped) }
}

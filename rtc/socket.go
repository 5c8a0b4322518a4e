package rtc

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

func (s *service) SupportsSockets() bool {
	return true
}

func (s *service) DialSocket(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (w *wsSocket) Close() error {
	return w.conn.Close()
}

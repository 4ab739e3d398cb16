package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

// WebSocketDialer is the production Dialer.
type WebSocketDialer struct {
	// HTTPClient overrides the client used for the handshake (tests).
	HTTPClient *http.Client
}

func (d *WebSocketDialer) Dial(ctx context.Context, urlStr, subprotocol string, headers http.Header, h Handler) (Socket, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: d.HTTPClient,
	}
	if subprotocol != "" {
		opts.Subprotocols = []string{subprotocol}
	}

	conn, _, err := websocket.Dial(ctx, urlStr, opts)
	if err != nil {
		return nil, err
	}
	// Kernel messages can be large; don't let the library cap them.
	conn.SetReadLimit(-1)

	s := &wsSocket{conn: conn}
	go s.readLoop(h)
	return s, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) SendText(data string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, []byte(data))
}

func (s *wsSocket) SendBinary(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

// readLoop pumps frames to the handler until the connection dies. A
// received close frame becomes a clean OnClose; anything else is an
// OnError followed by an abnormal-closure OnClose.
func (s *wsSocket) readLoop(h Handler) {
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				h.OnClose(int(ce.Code), ce.Reason, true)
			} else {
				h.OnError(err)
				h.OnClose(int(websocket.StatusAbnormalClosure), err.Error(), false)
			}
			return
		}
		h.OnMessage(data, typ == websocket.MessageBinary)
	}
}

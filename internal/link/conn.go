package link

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection.
var ErrConnectionClosed = errors.New("link: websocket connection closed")

// Dialer opens a byte stream to the relay.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// SerialDialer returns a Dialer for a relay on a serial port (8N1).
func SerialDialer(portName string, baudRate int) Dialer {
	return func(context.Context) (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("link: open serial port %s: %w", portName, err)
		}
		return port, nil
	}
}

// WebSocketOptions configures a WebSocket relay connection.
type WebSocketOptions struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// WebSocketDialer returns a Dialer for a relay reachable over ws:// or
// wss://, authenticating with HTTP Basic auth when credentials are set.
func WebSocketDialer(opts WebSocketOptions) (Dialer, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("link: invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("link: unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}
		if u.Scheme == "wss" {
			dialer.TLSClientConfig = &tls.Config{
				InsecureSkipVerify: opts.SkipSSLVerify,
			}
		}

		headers := http.Header{}
		if opts.Username != "" && opts.Password != "" {
			credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
			headers.Set("Authorization", "Basic "+credentials)
		}

		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		conn, resp, err := dialer.DialContext(ctx, opts.URL, headers)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("link: websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("link: websocket connection failed: %w", err)
		}
		return &webSocketConn{conn: conn}, nil
	}, nil
}

// webSocketConn adapts a message oriented WebSocket to a byte stream. One
// frame is written per binary message; reads concatenate binary messages.
type webSocketConn struct {
	conn *websocket.Conn

	// Read state is owned by the single reader goroutine.
	buf       []byte
	bufOffset int
	closed    bool

	writeMu sync.Mutex
}

func (w *webSocketConn) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		w.buf = data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *webSocketConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *webSocketConn) Close() error {
	return w.conn.Close()
}

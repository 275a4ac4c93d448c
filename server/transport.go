package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

// FrameConn adapts a duplex byte stream into discrete text frames, one
// logical command or message per frame. The session layer never sees the
// underlying transport.
type FrameConn interface {
	// ReadFrame blocks for the next inbound frame, without the frame
	// terminator. deadline bounds the wait; zero means no deadline.
	ReadFrame(deadline time.Time) (string, error)
	WriteFrame(data []byte) error
	RemoteAddr() string
	Close() error
}

// lineConn frames a TCP stream as newline-terminated text.
type lineConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
}

func newLineConn(conn net.Conn, writeTimeout time.Duration) *lineConn {
	return &lineConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

func (lc *lineConn) ReadFrame(deadline time.Time) (string, error) {
	if err := lc.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	line, err := lc.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (lc *lineConn) WriteFrame(data []byte) error {
	lc.conn.SetWriteDeadline(time.Now().Add(lc.writeTimeout))
	_, err := lc.conn.Write(append(data, '\n'))
	return err
}

func (lc *lineConn) RemoteAddr() string {
	return lc.conn.RemoteAddr().String()
}

func (lc *lineConn) Close() error {
	return lc.conn.Close()
}

// wsConn frames a WebSocket connection as one text message per frame.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (wc *wsConn) ReadFrame(deadline time.Time) (string, error) {
	if err := wc.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	_, data, err := wc.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (wc *wsConn) WriteFrame(data []byte) error {
	wc.conn.SetWriteDeadline(time.Now().Add(wc.writeTimeout))
	return wc.conn.WriteMessage(websocket.TextMessage, data)
}

func (wc *wsConn) RemoteAddr() string {
	return wc.conn.RemoteAddr().String()
}

func (wc *wsConn) Close() error {
	return wc.conn.Close()
}

// ServeWS upgrades an HTTP request and hands the connection to the session
// engine. Mounted at /ws by StartWS.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	go s.handleConnection(&wsConn{conn: conn, writeTimeout: s.config.WriteTimeout})
}

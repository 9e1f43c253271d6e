package relay

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// WSLeg adapts a websocket connection to the stream Leg the forwarder
// pumps. Each Write becomes one binary message; Reads drain messages in
// order, splitting them as the buffer requires.
type WSLeg struct {
	conn *websocket.Conn
	rd   io.Reader
}

func NewWSLeg(conn *websocket.Conn) *WSLeg {
	return &WSLeg{conn: conn}
}

func (l *WSLeg) Read(p []byte) (int, error) {
	for {
		if l.rd == nil {
			typ, rd, err := l.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			l.rd = rd
		}
		n, err := l.rd.Read(p)
		if err == io.EOF {
			l.rd = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (l *WSLeg) Write(p []byte) (int, error) {
	if err := l.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *WSLeg) SetReadDeadline(t time.Time) error {
	return l.conn.SetReadDeadline(t)
}

func (l *WSLeg) Close() error {
	return l.conn.Close()
}

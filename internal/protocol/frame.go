package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single signaling frame on stream transports.
const MaxFrameBytes = 64 * 1024

// WriteFrame writes one length-prefixed message to a stream transport
// (4-byte big-endian length, then the JSON payload).
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed message. Oversized or truncated frames
// degrade to ErrMalformed so stream handlers can drop the connection without
// distinguishing attack from bug.
func ReadFrame(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameBytes {
		return Message{}, fmt.Errorf("%w: frame length %d", ErrMalformed, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("%w: truncated frame", ErrMalformed)
		}
		return Message{}, err
	}
	return Parse(payload)
}

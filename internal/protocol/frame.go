package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rishav/p2p-exchange/internal/xerrors"
)

// lengthPrefixLen is the size, in bytes, of the frame length prefix.
const lengthPrefixLen = 4

// Decoder reads length-prefixed frames from an underlying stream and
// decodes each into a Message. It is a streaming state machine: accumulate
// the 4-byte length, validate it against MaxFrameSize, then read the body,
// unmarshal it and validate the message.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// ReadMessage blocks for exactly one frame and decodes it. Returns
// xerrors.Protocol (kind MessageTooLarge context) if the declared body
// length exceeds MaxFrameSize, or io.EOF/io.ErrUnexpectedEOF on stream
// closure.
func (d *Decoder) ReadMessage() (Message, error) {
	var lenBuf [lengthPrefixLen]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		// Drain and discard so the connection can be cleanly closed by
		// the caller rather than left with an unread oversized body.
		io.CopyN(io.Discard, d.r, int64(n))
		return Message{}, xerrors.New(xerrors.Protocol, "", "frame exceeds maximum size",
			xerrors.WithContext("code", "MessageTooLarge"),
			xerrors.WithContext("declared_size", n),
			xerrors.WithContext("max_size", MaxFrameSize))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, xerrors.New(xerrors.Protocol, "", "malformed message body",
			xerrors.WithCause(err))
	}
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encoder writes length-prefixed frames to an underlying stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w for frame-at-a-time writing.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteMessage marshals msg to JSON and writes it as one length-prefixed
// frame. Returns xerrors.Protocol if the encoded body would exceed
// MaxFrameSize.
func (e *Encoder) WriteMessage(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return xerrors.New(xerrors.Protocol, msg.NodeID, "outbound frame exceeds maximum size",
			xerrors.WithContext("code", "MessageTooLarge"),
			xerrors.WithContext("size", len(body)),
			xerrors.WithContext("max_size", MaxFrameSize))
	}

	var lenBuf [lengthPrefixLen]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return fmt.Errorf("protocol: write body: %w", err)
	}
	return nil
}

// Package trace stores runs of the operational machine so that a
// counterexample found by the checker can be replayed.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// Payloads are gob encoded.
package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/vmspec/osspec"
)

// MsgType identifies a trace message.
type MsgType uint32

const (
	MsgHeader  MsgType = 1 // constants and origin of the run
	MsgStep    MsgType = 2 // one completed operational step
	MsgVerdict MsgType = 3 // outcome of the run
	MsgDone    MsgType = 4 // end of trace
)

func (t MsgType) String() string {
	switch t {
	case MsgHeader:
		return "Header"
	case MsgStep:
		return "Step"
	case MsgVerdict:
		return "Verdict"
	case MsgDone:
		return "Done"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

// maxPayload bounds the payload a Receiver allocates for.
const maxPayload = 64 << 20

var (
	ErrUnexpected = errors.New("unexpected trace message")
	ErrTooLarge   = errors.New("trace payload too large")
)

// Header opens a trace.
type Header struct {
	Constants osspec.Constants
	Seed      int64
	Walk      int
}

// Verdict closes a trace. Step is the index of the offending step, or -1
// when the run passed.
type Verdict struct {
	Step      int
	Violation bool
	Err       string
	Diff      string
}

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

func (s *Sender) sendValue(t MsgType, v any) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %v: %w", t, err)
	}

	return s.send(t, buf.Bytes())
}

func (s *Sender) SendHeader(h Header) error { return s.sendValue(MsgHeader, h) }

func (s *Sender) SendStep(step osspec.Step) error { return s.sendValue(MsgStep, step) }

func (s *Sender) SendVerdict(v Verdict) error { return s.sendValue(MsgVerdict, v) }

// SendDone signals the end of the trace.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message and returns its type and payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > maxPayload {
		return 0, nil, fmt.Errorf("%v of %d bytes: %w", t, length, ErrTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%v len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// Decode decodes a gob payload into v.
func Decode(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	return nil
}

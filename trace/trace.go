package trace

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/vmspec/osspec"
)

// Trace is a run of the operational machine from its initial state.
type Trace struct {
	Header  Header
	Steps   []osspec.Step
	Verdict Verdict
}

// Write streams t to w, terminated by a Done message.
func Write(w io.Writer, t Trace) error {
	s := NewSender(w)

	if err := s.SendHeader(t.Header); err != nil {
		return err
	}

	for _, step := range t.Steps {
		if err := s.SendStep(step); err != nil {
			return err
		}
	}

	if err := s.SendVerdict(t.Verdict); err != nil {
		return err
	}

	return s.SendDone()
}

// Read reads a trace written by Write.
func Read(r io.Reader) (Trace, error) {
	recv := NewReceiver(r)

	var (
		t          Trace
		seenHeader bool
	)

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return t, err
		}

		if !seenHeader && msgType != MsgHeader {
			return t, fmt.Errorf("%v before header: %w", msgType, ErrUnexpected)
		}

		switch msgType {
		case MsgHeader:
			if seenHeader {
				return t, fmt.Errorf("second header: %w", ErrUnexpected)
			}

			if err := Decode(payload, &t.Header); err != nil {
				return t, err
			}

			seenHeader = true
		case MsgStep:
			var step osspec.Step
			if err := Decode(payload, &step); err != nil {
				return t, err
			}

			t.Steps = append(t.Steps, step)
		case MsgVerdict:
			if err := Decode(payload, &t.Verdict); err != nil {
				return t, err
			}
		case MsgDone:
			return t, nil
		default:
			return t, fmt.Errorf("%v: %w", msgType, ErrUnexpected)
		}
	}
}

// WriteFile stores t at path.
func WriteFile(path string, t Trace) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := Write(f, t); err != nil {
		f.Close()

		return fmt.Errorf("write %s: %w", path, err)
	}

	return f.Close()
}

// ReadFile loads the trace stored at path.
func ReadFile(path string) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return Trace{}, err
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return t, fmt.Errorf("read %s: %w", path, err)
	}

	return t, nil
}

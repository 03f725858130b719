package trace_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/vmspec/hardware"
	"github.com/bobuhiro11/vmspec/memory"
	"github.com/bobuhiro11/vmspec/osspec"
	"github.com/bobuhiro11/vmspec/trace"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*trace.Sender, *trace.Receiver) {
	pr, pw := io.Pipe()

	return trace.NewSender(pw), trace.NewReceiver(pr)
}

func sample() trace.Trace {
	core := hardware.Core{Node: 0, ID: 1}
	pte := memory.PageTableEntry{
		Frame: memory.MemRegion{Base: 0x2000, Size: memory.L3EntrySize},
		Flags: memory.Flags{IsWritable: true},
	}

	return trace.Trace{
		Header: trace.Header{
			Constants: osspec.Constants{
				HW:       hardware.Constants{PhysMemSize: 1 << 16, Nodes: []uint32{2}},
				ULT2Core: map[uint64]hardware.Core{0: {}, 1: core},
				ULTNo:    2,
			},
			Seed: 7,
			Walk: 3,
		},
		Steps: []osspec.Step{
			osspec.MapStart(1, 0x1000, pte),
			osspec.MapOpStart(core),
			{Kind: osspec.StepMapEnd, ULT: 1, Result: memory.Ok},
			osspec.HW(1, hardware.ReadWrite(core, 0x1000, memory.StoreOp(5).WithResult(memory.OutcomeOk, 0),
				&memory.Translation{Base: 0x1000, PTE: pte})),
			osspec.AckShootdown(core, hardware.Core{}),
		},
		Verdict: trace.Verdict{Step: 4, Violation: true, Err: "refinement violated", Diff: "-a\n+b"},
	}
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatal(err)
	}

	if msgType != trace.MsgDone || len(payload) != 0 {
		t.Fatalf("expected: %v without payload, actual: %v with %d bytes", trace.MsgDone, msgType, len(payload))
	}
}

func TestSendReceiveStep(t *testing.T) {
	t.Parallel()

	want := osspec.UnmapStart(2, 0x200000)
	sender, recv := pipe()

	go func() {
		if err := sender.SendStep(want); err != nil {
			t.Errorf("SendStep: %v", err)
		}
	}()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatal(err)
	}

	if msgType != trace.MsgStep {
		t.Fatalf("expected: %v, actual: %v", trace.MsgStep, msgType)
	}

	var got osspec.Step
	if err := trace.Decode(payload, &got); err != nil {
		t.Fatal(err)
	}

	if got != want {
		t.Fatalf("expected: %v, actual: %v", want, got)
	}
}

func TestWriteRead(t *testing.T) {
	t.Parallel()

	want := sample()

	var buf bytes.Buffer
	if err := trace.Write(&buf, want); err != nil {
		t.Fatal(err)
	}

	got, err := trace.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("trace mismatch (-expected +actual):\n%s", diff)
	}
}

func TestWriteReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "walk.trace")
	want := sample()

	if err := trace.WriteFile(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := trace.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(got.Steps) != len(want.Steps) || got.Verdict != want.Verdict {
		t.Fatalf("expected: %v, actual: %v", want, got)
	}

	if _, err := trace.ReadFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func frame(t trace.MsgType, payload []byte) []byte {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	return append(hdr, payload...)
}

func TestReadMalformed(t *testing.T) {
	t.Parallel()

	var full bytes.Buffer
	if err := trace.Write(&full, sample()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input []byte
		err   error
	}{
		{
			name:  "step before header",
			input: frame(trace.MsgStep, nil),
			err:   trace.ErrUnexpected,
		},
		{
			name:  "unknown type",
			input: frame(99, nil),
			err:   trace.ErrUnexpected,
		},
		{
			name:  "truncated",
			input: full.Bytes()[:full.Len()-1],
			err:   io.ErrUnexpectedEOF,
		},
		{
			name:  "short header",
			input: frame(trace.MsgHeader, nil)[:4],
			err:   io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := trace.Read(bytes.NewReader(tt.input))
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected: %v, actual: %v", tt.err, err)
			}
		})
	}
}

func TestReceiverRejectsLargePayload(t *testing.T) {
	t.Parallel()

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(trace.MsgStep))
	binary.BigEndian.PutUint64(hdr[4:12], 1<<40)

	_, _, err := trace.NewReceiver(bytes.NewReader(hdr)).Next()
	if !errors.Is(err, trace.ErrTooLarge) {
		t.Fatalf("expected: %v, actual: %v", trace.ErrTooLarge, err)
	}
}

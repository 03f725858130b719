// Package workload turns x86-64 machine code into the memory accesses a
// thread makes, so that the checker can drive threads with real programs.
package workload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var (
	ErrBadRegister = errors.New("bad register")
	ErrDecode      = errors.New("cannot decode instruction")
)

// Regs is a register file keyed by 64-bit general purpose register.
// Missing registers read as zero.
type Regs map[x86asm.Reg]uint64

// Access is a word access made by a MOV.
type Access struct {
	PC    uint64
	Vaddr uint64
	Store bool
	// Value is the stored value truncated to the operand size; loads
	// leave it zero.
	Value uint64
	Asm   string
}

func (a Access) String() string {
	if a.Store {
		return fmt.Sprintf("%#x: store %#x <- %#x (%s)", a.PC, a.Vaddr, a.Value, a.Asm)
	}

	return fmt.Sprintf("%#x: load %#x (%s)", a.PC, a.Vaddr, a.Asm)
}

// part locates a register inside the 64-bit register it belongs to.
type part struct {
	full  x86asm.Reg
	shift uint
	mask  uint64
}

func partOf(r x86asm.Reg) (part, error) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return part{full: r, mask: ^uint64(0)}, nil
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return part{full: x86asm.RAX + (r - x86asm.EAX), mask: 0xffffffff}, nil
	case r >= x86asm.AX && r <= x86asm.R15W:
		return part{full: x86asm.RAX + (r - x86asm.AX), mask: 0xffff}, nil
	case r >= x86asm.AL && r <= x86asm.BL:
		return part{full: x86asm.RAX + (r - x86asm.AL), mask: 0xff}, nil
	case r >= x86asm.AH && r <= x86asm.BH:
		return part{full: x86asm.RAX + (r - x86asm.AH), shift: 8, mask: 0xff}, nil
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return part{full: x86asm.RSP + (r - x86asm.SPB), mask: 0xff}, nil
	}

	return part{}, fmt.Errorf("%v: %w", r, ErrBadRegister)
}

// ParseReg returns the 64-bit register named name, as in "rax" or "R12".
func ParseReg(name string) (x86asm.Reg, error) {
	for r := x86asm.RAX; r <= x86asm.R15; r++ {
		if strings.EqualFold(r.String(), name) {
			return r, nil
		}
	}

	return 0, fmt.Errorf("%q: %w", name, ErrBadRegister)
}

func (r Regs) get(reg x86asm.Reg) (uint64, error) {
	p, err := partOf(reg)
	if err != nil {
		return 0, err
	}

	return r[p.full] >> p.shift & p.mask, nil
}

func (r Regs) set(reg x86asm.Reg, v uint64) error {
	p, err := partOf(reg)
	if err != nil {
		return err
	}

	// 32-bit writes zero the upper half; narrower writes keep the rest.
	if reg >= x86asm.EAX && reg <= x86asm.R15L {
		r[p.full] = v & p.mask

		return nil
	}

	r[p.full] = r[p.full]&^(p.mask<<p.shift) | (v&p.mask)<<p.shift

	return nil
}

// Pointer computes the address of mem, Segment:[Base+Scale*Index+Disp].
// Segments are flat. next is the address of the following instruction, used
// for RIP relative operands.
func (r Regs) Pointer(mem x86asm.Mem, next uint64) (uint64, error) {
	addr := uint64(mem.Disp)

	switch mem.Base {
	case 0:
	case x86asm.RIP:
		addr += next
	default:
		b, err := r.get(mem.Base)
		if err != nil {
			return 0, fmt.Errorf("base reg %v in %v: %w", mem.Base, mem, err)
		}

		addr += b
	}

	if mem.Index != 0 {
		x, err := r.get(mem.Index)
		if err != nil {
			return 0, fmt.Errorf("index reg %v in %v: %w", mem.Index, mem, err)
		}

		addr += uint64(mem.Scale) * x
	}

	return addr, nil
}

func (r Regs) operand(arg x86asm.Arg) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return r.get(a)
	case x86asm.Imm:
		return uint64(a), nil
	}

	return 0, fmt.Errorf("operand %v: %w", arg, ErrDecode)
}

// Asm returns the GNU syntax of inst at pc.
func Asm(inst x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(inst, pc, nil)
}

// Decode runs code loaded at pc over regs and returns the accesses of its
// MOV instructions in program order. MOVs between registers and immediates
// update regs; a load leaves its destination unchanged since its value is
// only known once the access runs. Other instructions are skipped.
func Decode(code []byte, pc uint64, regs Regs) ([]Access, error) {
	var ret []Access

	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return ret, fmt.Errorf("decoding %#02x at %#x: %w: %w", code[:min(len(code), 16)], pc, ErrDecode, err)
		}

		next := pc + uint64(inst.Len)

		if inst.Op == x86asm.MOV {
			a, ok, err := mov(inst, pc, next, regs)
			if err != nil {
				return ret, fmt.Errorf("%#x %s: %w", pc, Asm(inst, pc), err)
			}

			if ok {
				ret = append(ret, a)
			}
		}

		code = code[inst.Len:]
		pc = next
	}

	return ret, nil
}

func mov(inst x86asm.Inst, pc, next uint64, regs Regs) (Access, bool, error) {
	a := Access{PC: pc, Asm: Asm(inst, pc)}

	switch dst := inst.Args[0].(type) {
	case x86asm.Mem:
		addr, err := regs.Pointer(dst, next)
		if err != nil {
			return a, false, err
		}

		v, err := regs.operand(inst.Args[1])
		if err != nil {
			return a, false, err
		}

		if inst.MemBytes > 0 && inst.MemBytes < 8 {
			v &= 1<<(8*inst.MemBytes) - 1
		}

		a.Vaddr, a.Store, a.Value = addr, true, v

		return a, true, nil
	case x86asm.Reg:
		if src, ok := inst.Args[1].(x86asm.Mem); ok {
			addr, err := regs.Pointer(src, next)
			if err != nil {
				return a, false, err
			}

			a.Vaddr = addr

			return a, true, nil
		}

		v, err := regs.operand(inst.Args[1])
		if err != nil {
			return a, false, err
		}

		return a, false, regs.set(dst, v)
	}

	return a, false, fmt.Errorf("destination %v: %w", inst.Args[0], ErrDecode)
}

// Program is a thread's code with its initial registers, as written in a
// configuration file: hex encoded code and registers by name.
type Program struct {
	Thread uint64            `toml:"thread"`
	PC     uint64            `toml:"pc"`
	Code   string            `toml:"code"`
	Regs   map[string]uint64 `toml:"regs"`
}

// Accesses decodes p.
func (p Program) Accesses() ([]Access, error) {
	code, err := hex.DecodeString(strings.Join(strings.Fields(p.Code), ""))
	if err != nil {
		return nil, fmt.Errorf("thread %d code: %w", p.Thread, err)
	}

	regs := Regs{}

	for name, v := range p.Regs {
		r, err := ParseReg(name)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", p.Thread, err)
		}

		regs[r] = v
	}

	return Decode(code, p.PC, regs)
}

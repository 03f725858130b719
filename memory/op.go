package memory

import "fmt"

// OpKind is the kind of a word access.
type OpKind uint8

const (
	Load OpKind = iota
	Store
)

// Outcome is the result of a word access. The abstract machine reports Ok,
// Value or Undefined; hardware reports Ok, Value or Pagefault.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeOk
	OutcomeValue
	OutcomeUndefined
	OutcomePagefault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "Ok"
	case OutcomeValue:
		return "Value"
	case OutcomeUndefined:
		return "Undefined"
	case OutcomePagefault:
		return "Pagefault"
	case OutcomeNone:
	}

	return "None"
}

// RWOp is a word load or store together with its result.
type RWOp struct {
	Kind     OpKind
	NewValue uint64 // stores
	IsExec   bool   // loads
	Result   Outcome
	Value    uint64 // loads returning OutcomeValue
}

// LoadOp returns a load without a result.
func LoadOp(isExec bool) RWOp {
	return RWOp{Kind: Load, IsExec: isExec}
}

// StoreOp returns a store of v without a result.
func StoreOp(v uint64) RWOp {
	return RWOp{Kind: Store, NewValue: v}
}

// WithResult returns op completed with r and value.
func (op RWOp) WithResult(r Outcome, value uint64) RWOp {
	op.Result = r
	op.Value = 0

	if r == OutcomeValue {
		op.Value = value
	}

	return op
}

func (op RWOp) String() string {
	if op.Kind == Store {
		return fmt.Sprintf("store(%#x)=%v", op.NewValue, op.Result)
	}

	if op.Result == OutcomeValue {
		return fmt.Sprintf("load(exec=%v)=%#x", op.IsExec, op.Value)
	}

	return fmt.Sprintf("load(exec=%v)=%v", op.IsExec, op.Result)
}

// Result is the result of a Map or Unmap.
type Result uint8

const (
	Ok Result = iota
	Err
)

func (r Result) String() string {
	if r == Ok {
		return "Ok"
	}

	return "Err"
}

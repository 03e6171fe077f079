package source

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"

	"firestige.xyz/pcapkit/internal/core"
)

// Filter runs a classic BPF program over frames. Compiling filter
// expressions is left to tools such as tcpdump -dd; Filter executes the
// resulting instructions.
type Filter struct {
	insts []bpf.Instruction
	vm    *bpf.VM
}

// ParseFilter reads raw instructions as four numbers "op jt jf k" per
// instruction, separated by ';' or newlines. The C array printed by
// tcpdump -dd ("{ 0x28, 0, 0, 0x0000000c },") is accepted as well.
func ParseFilter(expr string) ([]bpf.RawInstruction, error) {
	clean := strings.NewReplacer("{", " ", "}", " ", ",", " ", "\n", ";", "\r", "").Replace(expr)
	var raw []bpf.RawInstruction
	for _, stmt := range strings.Split(clean, ";") {
		fields := strings.Fields(stmt)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: bpf instruction %q needs 4 fields", core.ErrConfigInvalid, strings.TrimSpace(stmt))
		}
		var nums [4]uint64
		for i, bits := range []int{16, 8, 8, 32} {
			n, err := strconv.ParseUint(fields[i], 0, bits)
			if err != nil {
				return nil, fmt.Errorf("%w: bpf instruction %q: %v", core.ErrConfigInvalid, strings.TrimSpace(stmt), err)
			}
			nums[i] = n
		}
		raw = append(raw, bpf.RawInstruction{Op: uint16(nums[0]), Jt: uint8(nums[1]), Jf: uint8(nums[2]), K: uint32(nums[3])})
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty bpf program", core.ErrConfigInvalid)
	}
	return raw, nil
}

// NewFilter loads raw instructions into a BPF virtual machine.
func NewFilter(raw []bpf.RawInstruction) (*Filter, error) {
	insts, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("%w: bpf program has instructions the VM cannot run", core.ErrConfigInvalid)
	}
	vm, err := bpf.NewVM(insts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return &Filter{insts: insts, vm: vm}, nil
}

// CompileFilter is ParseFilter followed by NewFilter.
func CompileFilter(expr string) (*Filter, error) {
	raw, err := ParseFilter(expr)
	if err != nil {
		return nil, err
	}
	return NewFilter(raw)
}

// Instructions returns the decoded program.
func (f *Filter) Instructions() []bpf.Instruction { return f.insts }

// Match reports whether the program accepts frame.
func (f *Filter) Match(frame []byte) (bool, error) {
	n, err := f.vm.Run(frame)
	if err != nil {
		return false, fmt.Errorf("bpf filter: %w", err)
	}
	return n > 0, nil
}

package syscalladapter

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ExternalProvider defers to a subprocess for syscalls Table has no entry
// for — an external collaborator that returns {read|write,address,size}
// sets for a syscall signature database this engine doesn't maintain
// in-process. There's no candidate set to upload at startup, just a
// per-query request/response framing: write a packed request, read back a
// uint32 "recognized" flag and, if it is nonzero, a count-prefixed array of
// results.
type ExternalProvider struct {
	cmd *exec.Cmd
	stdin io.WriteCloser
	stdout io.ReadCloser
	mu sync.Mutex
}

// externalRequest is the fixed-size header a query starts with: syscall
// number, six arguments, and the return value, all as uint64 (args/retVal
// reinterpreted bit-for-bit when negative).
type externalRequest struct {
	SysNum uint64
	Args [6]uint64
	RetVal uint64
}

// externalAccess is one wire-format result record.
type externalAccess struct {
	Addr uint64
	Size uint64
	Type uint32
}

// NewExternalProvider starts path as a subprocess speaking the protocol
// above over stdin/stdout.
func NewExternalProvider(path string, extraArgs...string) (*ExternalProvider, error) {
	cmd := exec.Command(path, extraArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("syscalladapter: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("syscalladapter: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr // inherit

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("syscalladapter: start %s: %w", path, err)
	}

	return &ExternalProvider{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// ReadsWrites implements Provider by sending ctx's syscall number,
// arguments, and return value to the subprocess and decoding its answer.
// A subprocess response of zero records is still "recognized" (ok=true):
// the caller asked a provider that understands this syscall and it
// determined there were no accesses, distinct from "no provider knew this
// syscall at all".
func (p *ExternalProvider) ReadsWrites(ctx Context) ([]MemAccess, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := externalRequest{SysNum: ctx.SysNum, Args: ctx.Args, RetVal: uint64(ctx.RetVal)}
	if err := binary.Write(p.stdin, binary.LittleEndian, req); err != nil {
		return nil, false
	}

	var recognized uint32
	if err := binary.Read(p.stdout, binary.LittleEndian, &recognized); err != nil {
		return nil, false
	}
	if recognized == 0 {
		return nil, false
	}

	var count uint32
	if err := binary.Read(p.stdout, binary.LittleEndian, &count); err != nil {
		return nil, false
	}
	if count == 0 {
		return nil, true
	}

	records := make([]externalAccess, count)
	if err := binary.Read(p.stdout, binary.LittleEndian, records); err != nil {
		return nil, false
	}

	out := make([]MemAccess, len(records))
	for i, r := range records {
		out[i] = MemAccess{Addr: r.Addr, Size: int(r.Size), Type: AccessType(r.Type)}
	}
	return out, true
}

// Close shuts down the subprocess.
func (p *ExternalProvider) Close() error {
	p.stdin.Close()
	return p.cmd.Wait()
}

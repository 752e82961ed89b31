// Package syscalladapter turns one intercepted syscall (entry arguments
// plus exit return value) into the set of memory ranges it read from or
// wrote into the tracee's address space — the signal the engine needs to
// seed shadow-memory initialization across a syscall boundary the
// instruction emulator never sees inside of.
package syscalladapter

// AccessType distinguishes a syscall reading tracee memory (consuming it,
// e.g. write(2) reading its buffer) from writing it (initializing it, e.g.
// read(2) filling its buffer).
type AccessType int

const (
	Read AccessType = iota
	Write
)

// MemAccess is one {address, size, direction} triple a syscall handler
// reports.
type MemAccess struct {
	Addr uint64
	Size int
	Type AccessType
}

// IOVec mirrors struct iovec: a base pointer and length, used by the
// readv/writev family whose buffers are described indirectly through an
// array of these instead of a single argument.
type IOVec struct {
	Base uint64
	Len int
}

// Context is everything a handler needs: the syscall number, its six
// register arguments, the return value, and the two tracee-memory readers
// a handful of handlers require (string length and iovec array contents).
// Real values come from the instrumentation host; tests supply fakes.
type Context struct {
	SysNum uint64
	Args [6]uint64
	RetVal int64

	// StrLen returns strlen(tracee memory at addr). Needed by handlers
	// that report a path argument's extent (open, stat, readlink,...).
	StrLen func(addr uint64) int
	// ReadIOVec returns the count iovec entries starting at addr.
	ReadIOVec func(addr uint64, count int) []IOVec
}

// Handler computes the memory accesses one syscall performed, given its
// entry arguments and exit return value. Handlers never fail: an
// unrecognized return value (e.g. a negative errno) just yields no
// accesses, the "syscall is skipped... trace continues".
type Handler func(ctx Context) []MemAccess

// failed reports whether retVal looks like a negated-errno failure, the
// pattern every handler below uses to short-circuit: a failed syscall
// touched no buffers worth recording.
func failed(retVal int64) bool {
	return retVal < 0
}

// state is the three-state machine a syscall handler walks through: a
// syscall is unset until its entry arguments arrive, entered until its
// exit return value arrives, then exited — at which point ReadsWrites can
// be computed once and the machine resets.
type state int

const (
	stateUnset state = iota
	stateEntered
	stateExited
)

// StateMachine sequences one syscall's entry and exit callbacks. The
// engine owns one per thread (the concurrency model is
// single-threaded, so in practice one machine total).
type StateMachine struct {
	state state
	sysNum uint64
	args [6]uint64
	retVal int64
}

// NewStateMachine returns a machine ready for its first Entry call.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: stateUnset}
}

// Entry records a syscall's number and arguments at the point of entry.
// Calling it before a prior syscall's Exit/ReadsWrites sequence completed
// is a usage error: the instrumented
// program never re-enters a syscall before exiting the last one on the
// same thread.
func (m *StateMachine) Entry(sysNum uint64, args [6]uint64) {
	m.state = stateEntered
	m.sysNum = sysNum
	m.args = args
}

// Exit records a syscall's return value, transitioning to stateExited.
func (m *StateMachine) Exit(retVal int64) {
	m.retVal = retVal
	m.state = stateExited
}

// ReadsWrites computes the access set for the just-exited syscall using
// provider, then resets the machine to stateUnset for the next syscall.
// Returns (nil, false) if called before Entry/Exit completed, or if no
// provider recognizes the syscall number — the contract category 3, "handled
// silently... trace continues".
func (m *StateMachine) ReadsWrites(ctx Context, provider Provider) ([]MemAccess, bool) {
	if m.state != stateExited {
		return nil, false
	}
	ctx.SysNum = m.sysNum
	ctx.Args = m.args
	ctx.RetVal = m.retVal
	m.state = stateUnset

	accesses, ok := provider.ReadsWrites(ctx)
	return accesses, ok
}

// Provider resolves a syscall context to its memory accesses. Table is the
// in-process default; ExternalProvider is the subprocess-backed fallback
// the contract calls the "external collaborator" for syscall semantics this
// table doesn't cover.
type Provider interface {
	ReadsWrites(ctx Context) ([]MemAccess, bool)
}

// Chain tries each Provider in order, returning the first one that
// recognizes the syscall.
type Chain []Provider

func (c Chain) ReadsWrites(ctx Context) ([]MemAccess, bool) {
	for _, p := range c {
		if accesses, ok := p.ReadsWrites(ctx); ok {
			return accesses, ok
		}
	}
	return nil, false
}

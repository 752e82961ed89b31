package syscalladapter

// x86-64 Linux syscall numbers for every syscall this table recognizes
// (from the ABI's syscall_64.tbl, the same numbering
// x86_64_linux_syscall_handlers.h switches on).
const (
	sysRead = 0
	sysWrite = 1
	sysOpen = 2
	sysClose = 3
	sysStat = 4
	sysFstat = 5
	sysLstat = 6
	sysBrk = 12
	sysPread64 = 17
	sysPwrite64 = 18
	sysReadv = 19
	sysWritev = 20
	sysUname = 63
	sysReadlink = 89
	sysCreat = 85
	sysGetcwd = 79
	sysGettimeofday = 96
	sysPreadv = 295
	sysPwritev = 296
	sysReadlinkat = 267
	sysOpenat = 257
	sysNewfstatat = 262
)

// Table is the in-process syscall handler registry: the default
// provider, consulted before falling back to an ExternalProvider.
type Table struct {
	handlers map[uint64]Handler
}

// NewTable builds the default handler registry.
func NewTable() *Table {
	t := &Table{handlers: make(map[uint64]Handler)}
	t.register(sysRead, sysReadHandler)
	t.register(sysWrite, sysWriteHandler)
	t.register(sysPread64, sysPreadHandler)
	t.register(sysPwrite64, sysPwriteHandler)
	t.register(sysReadv, sysReadvHandler)
	t.register(sysWritev, sysWritevHandler)
	t.register(sysPreadv, sysReadvHandler) // same memory behavior as readv
	t.register(sysPwritev, sysWritevHandler)
	t.register(sysReadlink, sysReadlinkHandler)
	t.register(sysReadlinkat, sysReadlinkatHandler)
	t.register(sysStat, sysStatHandler)
	t.register(sysFstat, sysFstatHandler)
	t.register(sysLstat, sysStatHandler) // identical memory behavior to stat
	t.register(sysNewfstatat, sysFstatatHandler)
	t.register(sysOpen, sysOpenHandler)
	t.register(sysCreat, sysOpenHandler) // identical memory behavior to open
	t.register(sysOpenat, sysOpenatHandler)
	t.register(sysGetcwd, sysGetcwdHandler)
	t.register(sysUname, sysUnameHandler)
	t.register(sysGettimeofday, sysGettimeofdayHandler)
	t.register(sysClose, sysNoAccessHandler)
	t.register(sysBrk, sysNoAccessHandler) // heap accounting lives in pkg/allocator
	return t
}

func (t *Table) register(sysNum uint64, h Handler) {
	t.handlers[sysNum] = h
}

// ReadsWrites implements Provider.
func (t *Table) ReadsWrites(ctx Context) ([]MemAccess, bool) {
	h, ok := t.handlers[ctx.SysNum]
	if !ok {
		return nil, false
	}
	return h(ctx), true
}

func sysReadHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[1], Size: int(ctx.RetVal), Type: Write}}
}

func sysWriteHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[1], Size: int(ctx.RetVal), Type: Read}}
}

// sys{p}read64 and sys{p}write64 have the same buffer argument position and
// memory behavior as read/write; the extra offset argument at index 3 never
// touches tracee memory itself.
func sysPreadHandler(ctx Context) []MemAccess { return sysReadHandler(ctx) }
func sysPwriteHandler(ctx Context) []MemAccess { return sysWriteHandler(ctx) }

func sysReadvHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) || ctx.ReadIOVec == nil {
		return nil
	}
	return iovecAccesses(ctx, Write)
}

func sysWritevHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) || ctx.ReadIOVec == nil {
		return nil
	}
	return iovecAccesses(ctx, Read)
}

// iovecAccesses walks the iovec array the syscall read its buffer
// descriptors from, attributing the syscall's total byte count across the
// buffers in array order until it's exhausted — matching how the kernel
// itself fills (or drains) each iovec before moving to the next.
func iovecAccesses(ctx Context, bufDirection AccessType) []MemAccess {
	count := int(ctx.Args[2])
	vecs := ctx.ReadIOVec(ctx.Args[1], count)

	remaining := int(ctx.RetVal)
	var out []MemAccess
	for i := 0; i < len(vecs) && remaining > 0; i++ {
		out = append(out, MemAccess{
			Addr: ctx.Args[1] + uint64(i)*16, // sizeof(struct iovec) on x86-64
			Size: 16,
			Type: Read,
		})
		n := vecs[i].Len
		if n > remaining {
			n = remaining
		}
		remaining -= n
		out = append(out, MemAccess{Addr: vecs[i].Base, Size: n, Type: bufDirection})
	}
	return out
}

func sysReadlinkHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	var out []MemAccess
	if ctx.StrLen != nil {
		out = append(out, MemAccess{Addr: ctx.Args[0], Size: ctx.StrLen(ctx.Args[0]), Type: Read})
	}
	out = append(out, MemAccess{Addr: ctx.Args[1], Size: int(ctx.RetVal), Type: Write})
	return out
}

func sysReadlinkatHandler(ctx Context) []MemAccess {
	inner := ctx
	inner.Args = [6]uint64{ctx.Args[1], ctx.Args[2], ctx.Args[3]}
	return sysReadlinkHandler(inner)
}

func sysStatHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	var out []MemAccess
	if ctx.StrLen != nil {
		out = append(out, MemAccess{Addr: ctx.Args[0], Size: ctx.StrLen(ctx.Args[0]), Type: Read})
	}
	out = append(out, MemAccess{Addr: ctx.Args[1], Size: sizeofStat, Type: Write})
	return out
}

func sysFstatHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[1], Size: sizeofStat, Type: Write}}
}

func sysFstatatHandler(ctx Context) []MemAccess {
	inner := ctx
	inner.Args = [6]uint64{ctx.Args[1], ctx.Args[2]}
	return sysStatHandler(inner)
}

func sysOpenHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) || ctx.StrLen == nil {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[0], Size: ctx.StrLen(ctx.Args[0]), Type: Read}}
}

func sysOpenatHandler(ctx Context) []MemAccess {
	inner := ctx
	inner.Args = [6]uint64{ctx.Args[1], ctx.Args[2], ctx.Args[3]}
	return sysOpenHandler(inner)
}

func sysGetcwdHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[0], Size: int(ctx.RetVal), Type: Write}}
}

// sizeofUtsname is sizeof(struct utsname) on Linux x86-64: six 65-byte
// fixed fields.
const sizeofUtsname = 6 * 65

func sysUnameHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[0], Size: sizeofUtsname, Type: Write}}
}

// sizeofTimeval is sizeof(struct timeval) on Linux x86-64.
const sizeofTimeval = 16

func sysGettimeofdayHandler(ctx Context) []MemAccess {
	if failed(ctx.RetVal) || ctx.Args[0] == 0 {
		return nil
	}
	return []MemAccess{{Addr: ctx.Args[0], Size: sizeofTimeval, Type: Write}}
}

// sysNoAccessHandler covers syscalls whose effect on tracee memory this
// tool doesn't model (close: no buffer; brk: handled by pkg/allocator's
// own last-write invalidation instead of a generic memory access).
func sysNoAccessHandler(ctx Context) []MemAccess { return nil }

// sizeofStat is sizeof(struct stat) on Linux x86-64.
const sizeofStat = 144

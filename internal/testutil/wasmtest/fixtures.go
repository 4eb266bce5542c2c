// SPDX-License-Identifier: MPL-2.0

package wasmtest

const (
	// HostModule is the import module name of the wasmshim host functions.
	HostModule = "wasmshim"

	// LeakExitCode is returned by Sentinel when it finds state left behind
	// by another invocation.
	LeakExitCode = 13

	// ErrnoExitBase is added to the magnitude of a negative host result;
	// fixtures exit with it when a host call fails (-1 exits with 101).
	ErrnoExitBase = 100

	wasi = "wasi_snapshot_preview1"

	iovAddr      = 0
	nreadAddr    = 16
	nwrittenAddr = 20
	flagAddr     = 512
	dataAddr     = 1024
	bufAddr      = 4096
	bufCap       = 32768
)

var (
	i32x2 = []ValType{I32, I32}
	i32x4 = []ValType{I32, I32, I32, I32}
	i32x6 = []ValType{I32, I32, I32, I32, I32, I32}
	i32   = []ValType{I32}
)

// command is a WASI command module under construction: fd_read, fd_write
// and proc_exit are imported, memory is exported, strings go to data
// segments.
type command struct {
	*Builder
	fdRead, fdWrite, procExit uint32
	next                      uint32
}

func newCommand() *command {
	b := New().ExportMemory("memory")
	c := &command{Builder: b, next: dataAddr}
	c.fdRead = b.Import(wasi, "fd_read", i32x4, i32)
	c.fdWrite = b.Import(wasi, "fd_write", i32x4, i32)
	c.procExit = b.Import(wasi, "proc_exit", i32, nil)
	return c
}

// str places s in a data segment and returns its address and length.
func (c *command) str(s string) (ptr, length int32) {
	ptr = int32(c.next)
	c.Data(c.next, []byte(s))
	c.next += uint32(len(s))
	return ptr, int32(len(s))
}

// write emits fd_write(fd, ptr, len) where length pushes the byte count.
func (c *command) write(fd, ptr int32, length []byte) []byte {
	return Code(
		I32Const(iovAddr), I32Const(ptr), I32Store(0),
		I32Const(iovAddr+4), length, I32Store(0),
		I32Const(fd), I32Const(iovAddr), I32Const(1), I32Const(nwrittenAddr), Call(c.fdWrite), Drop(),
	)
}

func (c *command) exit(code []byte) []byte {
	return Code(code, Call(c.procExit))
}

// checkLocal0 exits with ErrnoExitBase-local0 when local 0 is negative.
func (c *command) checkLocal0() []byte {
	return Code(
		LocalGet(0), I32Const(0), I32LtS(), If(),
		c.exit(Code(I32Const(ErrnoExitBase), LocalGet(0), I32Sub())),
		End(),
	)
}

// echo copies stdin to stdout. It uses local 0.
func (c *command) echo() []byte {
	return Code(
		Block(), Loop(),
		I32Const(iovAddr), I32Const(bufAddr), I32Store(0),
		I32Const(iovAddr+4), I32Const(bufCap), I32Store(0),
		I32Const(0), I32Const(iovAddr), I32Const(1), I32Const(nreadAddr), Call(c.fdRead), Drop(),
		I32Const(nreadAddr), I32Load(0), LocalTee(0), I32Eqz(), BrIf(1),
		c.write(1, bufAddr, LocalGet(0)),
		Br(0),
		End(), End(),
	)
}

// start adds _start with one i32 local and returns the encoded module.
func (c *command) start(code ...[]byte) []byte {
	c.Export("_start", c.Func(nil, nil, i32, code...))
	return c.Bytes()
}

// Echo writes stdin to stdout and exits 0.
func Echo() []byte {
	c := newCommand()
	return c.start(c.echo())
}

// Output writes fixed stdout and stderr, then exits with code.
func Output(stdout, stderr string, code uint32) []byte {
	c := newCommand()
	var body [][]byte
	if stdout != "" {
		p, l := c.str(stdout)
		body = append(body, c.write(1, p, I32Const(l)))
	}
	if stderr != "" {
		p, l := c.str(stderr)
		body = append(body, c.write(2, p, I32Const(l)))
	}
	body = append(body, c.exit(I32Const(int32(code))))
	return c.start(body...)
}

// Exit exits with code without output.
func Exit(code uint32) []byte {
	return Output("", "", code)
}

// Spin loops forever without making calls, so only interruption at loop
// headers can stop it.
func Spin() []byte {
	c := newCommand()
	return c.start(Loop(), Br(0), End())
}

// CallLoop calls an empty function forever; every call is one step.
func CallLoop() []byte {
	c := newCommand()
	noop := c.Func(nil, nil, nil)
	return c.start(Loop(), Call(noop), Br(0), End())
}

// MemoryHog grows memory one page at a time until growth fails, then traps.
func MemoryHog() []byte {
	c := newCommand()
	return c.start(
		Block(), Loop(),
		I32Const(1), MemoryGrow(), I32Const(-1), I32Eq(), BrIf(1),
		Br(0),
		End(), End(),
		Unreachable(),
	)
}

// Trap executes unreachable.
func Trap() []byte {
	c := newCommand()
	return c.start(Unreachable())
}

// Sentinel exits with LeakExitCode if its marker word is already set,
// otherwise sets it and echoes stdin. A fresh instance always starts with
// zeroed memory.
func Sentinel() []byte {
	c := newCommand()
	return c.start(
		I32Const(flagAddr), I32Load(0), If(),
		c.exit(I32Const(LeakExitCode)),
		End(),
		I32Const(flagAddr), I32Const(1), I32Store(0),
		c.echo(),
	)
}

// ArgCount exits with the number of WASI arguments.
func ArgCount() []byte {
	c := newCommand()
	sizes := c.Import(wasi, "args_sizes_get", i32x2, i32)
	return c.start(
		I32Const(nreadAddr), I32Const(nwrittenAddr), Call(sizes), Drop(),
		c.exit(Code(I32Const(nreadAddr), I32Load(0))),
	)
}

// KeyValueSet stores value under key in the named store.
func KeyValueSet(store, key, value string) []byte {
	c := newCommand()
	set := c.Import(HostModule, "kv_set", i32x6, i32)
	sp, sl := c.str(store)
	kp, kl := c.str(key)
	vp, vl := c.str(value)
	return c.start(
		I32Const(sp), I32Const(sl), I32Const(kp), I32Const(kl), I32Const(vp), I32Const(vl),
		Call(set), LocalSet(0),
		c.checkLocal0(),
	)
}

// KeyValueGet writes the value stored under key to stdout.
func KeyValueGet(store, key string) []byte {
	c := newCommand()
	get := c.Import(HostModule, "kv_get", i32x6, i32)
	sp, sl := c.str(store)
	kp, kl := c.str(key)
	return c.start(
		I32Const(sp), I32Const(sl), I32Const(kp), I32Const(kl), I32Const(bufAddr), I32Const(bufCap),
		Call(get), LocalSet(0),
		c.checkLocal0(),
		c.write(1, bufAddr, LocalGet(0)),
	)
}

// KeyValueDelete removes key from the named store.
func KeyValueDelete(store, key string) []byte {
	c := newCommand()
	del := c.Import(HostModule, "kv_delete", i32x4, i32)
	sp, sl := c.str(store)
	kp, kl := c.str(key)
	return c.start(
		I32Const(sp), I32Const(sl), I32Const(kp), I32Const(kl),
		Call(del), LocalSet(0),
		c.checkLocal0(),
	)
}

// HTTPGet fetches url through the host and writes the body to stdout.
func HTTPGet(url string) []byte {
	c := newCommand()
	get := c.Import(HostModule, "http_get", i32x4, i32)
	up, ul := c.str(url)
	return c.start(
		I32Const(up), I32Const(ul), I32Const(bufAddr), I32Const(bufCap),
		Call(get), LocalSet(0),
		c.checkLocal0(),
		c.write(1, bufAddr, LocalGet(0)),
	)
}

// VariableGet writes the named component variable to stdout.
func VariableGet(name string) []byte {
	c := newCommand()
	get := c.Import(HostModule, "variable_get", i32x4, i32)
	np, nl := c.str(name)
	return c.start(
		I32Const(np), I32Const(nl), I32Const(bufAddr), I32Const(bufCap),
		Call(get), LocalSet(0),
		c.checkLocal0(),
		c.write(1, bufAddr, LocalGet(0)),
	)
}

// NoStart is a valid module that does not export _start.
func NoStart() []byte {
	b := New().ExportMemory("memory")
	return b.Export("run", b.Func(nil, nil, nil)).Bytes()
}

// Junk is not a wasm module.
func Junk() []byte {
	return []byte("definitely not wasm")
}

// Package syscall implements the system-call dispatcher (component
// C11): the number-indexed handler table, argument binding from the
// RISC-V ecall ABI, and userspace pointer validation.
//
// Grounded on defs/device.go's closed-enum-by-total-match discipline
// (raw integers never reinterpreted without validation, per spec §9
// "Deep enum conversions"). The riscv64 syscall numbers are written as
// literals below; this package does not import golang.org/x/sys/unix.
package syscall

// Syscall numbers, matching the Linux riscv64 ABI (spec §6). Only the
// subset named by spec §4.12 is implemented; every other number
// dispatches to ENOSYS.
const (
	SysWrite        = 64
	SysWritev       = 66
	SysRead         = 63
	SysReadv        = 65
	SysClose        = 57
	SysMmap         = 222
	SysMunmap       = 215
	SysBrk          = 214
	SysNanosleep    = 101
	SysPpoll        = 73
	SysExitGroup    = 94
	SysExit         = 93
	SysClone        = 220
	SysExecve       = 221
	SysWait4        = 260
	SysSocket       = 198
	SysBind         = 200
	SysSendto       = 206
	SysRecvfrom     = 207
	SysIoctl        = 29
	SysDup3         = 24
	SysRtSigaction  = 134
	SysRtSigprocmask = 135
	SysRtSigreturn  = 139
	SysSigaltstack  = 132
	SysFutex        = 98
	SysSetRobustList = 99
	SysGetRobustList = 100
)

// Arg-register layout for mmap per the standard Linux ABI (addr, len,
// prot, flags, fd, off).
const (
	ArgAddr = iota
	ArgLen
	ArgProt
	ArgFlags
	ArgFd
	ArgOff
)

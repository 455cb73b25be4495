package smp

import (
	"novakernel/kernel/gate"
	"novakernel/kernel/mem"
	"novakernel/kernel/mem/pdt"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
	"novakernel/kernel/sync"
	"sync/atomic"
)

// PageRefreshVector and KillProcessVector are the two software-defined IPI
// vectors spec §5 names: a broadcast "re-derive the kernel region from the
// template and flush" after any shared-region edit, and a "this process is
// dying, drop anything you're running of it" sent by exit_process (spec
// §4.8) to every other started CPU. PanicHaltVector is the third: it halts
// the other CPUs when the kernel panics.
const (
	PageRefreshVector = gate.IPIPageRefresh
	KillProcessVector = gate.IPIKillProcess
	PanicHaltVector   = gate.IPIPanicHalt
)

// CPU is one logical hardware thread's complete per-CPU state (spec §3
// CpuThread): ACPI/APIC identity, the scheduler state from kernel/sched,
// and the message queue other CPUs post bookkeeping requests to. Message
// delivery itself happens through an IPI whose handler drains Messages on
// the receiving CPU; sending is a matter of appending here and poking the
// local APIC.
type CPU struct {
	APICID    uint32
	TimerID   uint32
	Started   uint32 // set to 1 by the AP once it has initialized its own state (spec §4.6)
	Executor  sched.CPU
	PDT       *pdt.PageDirectory

	lock     sync.Spinlock
	messages []message
}

type messageKind uint8

const (
	msgPageRefresh messageKind = iota
	msgKillProcess
)

type message struct {
	kind    messageKind
	process proc.ID
	acked   *uint32
}

// Set is the machine-wide table of logical CPUs, indexed by CpuID, built
// once topology discovery (ParseMADT) completes.
type Set struct {
	apicAddr mem.PhysicalAddress
	cpus     []*CPU
	self     func() CpuID // returns the calling CPU's logical id; substituted in tests
}

// NewSet allocates one CPU per topo.CPUs entry (spec §4.6: "each CpuThread
// is given its own timer id").
func NewSet(topo *Topology, nextTimerID func() uint32, currentCPU func() CpuID) *Set {
	s := &Set{apicAddr: topo.LocalAPICAddr, self: currentCPU}
	s.cpus = make([]*CPU, len(topo.CPUs))
	for _, entry := range topo.CPUs {
		if !entry.Enabled {
			continue
		}
		s.cpus[entry.ID] = &CPU{APICID: entry.APICID, TimerID: nextTimerID()}
	}
	return s
}

// Get returns the per-CPU state for id, or nil if id names a disabled or
// unknown slot.
func (s *Set) Get(id CpuID) *CPU {
	if int(id) < 0 || int(id) >= len(s.cpus) {
		return nil
	}
	return s.cpus[id]
}

// Len reports the number of logical CPU slots (enabled or not).
func (s *Set) Len() int { return len(s.cpus) }

// Self reports the logical id of the CPU executing the call.
func (s *Set) Self() CpuID { return s.self() }

// Current returns the per-CPU state of the CPU executing the call,
// equivalent to s.Get(s.Self()).
func (s *Set) Current() *CPU { return s.Get(s.self()) }

// MarkStarted records that the AP running on the calling CPU has finished
// its own local bring-up (spec §4.6's "per-CPU has-started flag").
func (c *CPU) MarkStarted() { atomic.StoreUint32(&c.Started, 1) }

// HasStarted reports c's has-started flag.
func (c *CPU) HasStarted() bool { return atomic.LoadUint32(&c.Started) != 0 }

func (c *CPU) post(m message) {
	c.lock.Acquire()
	c.messages = append(c.messages, m)
	c.lock.Release()
}

// DrainMessages is the page-refresh/kill-process IPI handler body, called
// from the vector's gate.Handler on the receiving CPU: it processes every
// posted message, refreshing this CPU's active page directory's kernel
// region or asking lookup to terminate the named process's thread on this
// CPU, then acknowledges each by setting its acked flag.
func (c *CPU) DrainMessages(lookup func(proc.ID)) {
	c.lock.Acquire()
	pending := c.messages
	c.messages = nil
	c.lock.Release()

	for _, m := range pending {
		switch m.kind {
		case msgPageRefresh:
			if c.PDT != nil {
				_ = c.PDT.RefreshKernelRegion()
			}
		case msgKillProcess:
			if lookup != nil {
				lookup(m.process)
			}
		}
		if m.acked != nil {
			atomic.StoreUint32(m.acked, 1)
		}
	}
}

// BroadcastPageRefresh posts msgPageRefresh to every other started CPU and
// sends PageRefreshVector as a broadcast IPI (spec §5: "any modification of
// the shared kernel region ... must be followed by a broadcast page
// refresh IPI").
func (s *Set) BroadcastPageRefresh() {
	self := s.self()
	for id, c := range s.cpus {
		if c == nil || CpuID(id) == self || !c.HasStarted() {
			continue
		}
		c.post(message{kind: msgPageRefresh})
		_ = sendIPI(s.apicAddr, c.APICID, uint32(PageRefreshVector))
	}
}

// ackSet is the acks() closure handed back by Notify: it reports true once
// every flag it was given has been set by the receiving CPU's
// DrainMessages.
type ackSet struct {
	flags []*uint32
}

func (a *ackSet) done() bool {
	for _, f := range a.flags {
		if atomic.LoadUint32(f) == 0 {
			return false
		}
	}
	return true
}

// Notify implements proc.ExitNotifier: broadcast a "kill process id P" IPI
// to every other running CPU and return a function that reports once all
// of them have acknowledged (spec §4.8's exit_process).
func (s *Set) Notify(dying proc.ID) (acks func() bool) {
	self := s.self()
	a := &ackSet{}
	for id, c := range s.cpus {
		if c == nil || CpuID(id) == self || !c.HasStarted() {
			continue
		}
		flag := new(uint32)
		a.flags = append(a.flags, flag)
		c.post(message{kind: msgKillProcess, process: dying, acked: flag})
		_ = sendIPI(s.apicAddr, c.APICID, uint32(KillProcessVector))
	}
	if len(a.flags) == 0 {
		return nil
	}
	return a.done
}

// BroadcastHalt sends PanicHaltVector to every other started CPU, used by
// kernel.Panic's fatal-error path (spec §7) to stop the rest of the
// machine before dumping diagnostics and halting the calling CPU.
func (s *Set) BroadcastHalt() {
	self := s.self()
	for id, c := range s.cpus {
		if c == nil || CpuID(id) == self || !c.HasStarted() {
			continue
		}
		_ = sendIPI(s.apicAddr, c.APICID, uint32(PanicHaltVector))
	}
}

// localAPICEOIOffset is the local APIC's End-Of-Interrupt register.
const localAPICEOIOffset = 0xb0

// AckIPI signals end-of-interrupt to the local APIC, required before a
// software-defined IPI vector's handler returns or the local APIC withholds
// any further interrupt at the same or lower priority.
func (s *Set) AckIPI() {
	_ = writeAPICReg(s.apicAddr, localAPICEOIOffset, 0)
}

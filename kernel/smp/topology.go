package smp

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"unsafe"
)

// CpuID identifies a logical CPU thread (spec §3 Thread.cpu).
type CpuID uint32

const (
	madtEntryLocalAPIC          = 0
	madtEntryIOAPIC             = 1
	madtEntryInterruptSrcOvr    = 2
	madtEntryLocalAPICAddrOvr   = 5
	madtEntryLocalX2APIC        = 9
	localAPICEnabledFlag        = 1 << 0
	localAPICOnlineCapableFlag  = 1 << 1
)

// madtHeader mirrors the fixed portion of the MADT following SDTHeader.
type madtHeader struct {
	SDTHeader
	LocalControllerAddress uint32
	Flags                   uint32
}

type madtEntryHeader struct {
	Type   uint8
	Length uint8
}

type madtLocalAPIC struct {
	madtEntryHeader
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

type madtInterruptSrcOverride struct {
	madtEntryHeader
	Bus                   uint8
	Source                uint8
	GlobalSystemInterrupt uint32
	Flags                 uint16
}

type madtLocalAddrOverride struct {
	madtEntryHeader
	reserved uint16
	Address  uint64
}

type madtLocalX2APIC struct {
	madtEntryHeader
	reserved    uint16
	X2APICID    uint32
	Flags       uint32
	ACPIID      uint32
}

// CPUEntry is one logical CPU discovered in the MADT (spec §4.6).
type CPUEntry struct {
	ID      CpuID
	APICID  uint32
	Enabled bool
}

// IRQOverride records a BIOS-supplied IRQ remap (spec §4.6's
// InterruptSourceOverride record).
type IRQOverride struct {
	SourceIRQ             uint8
	GlobalSystemInterrupt uint32
	Flags                 uint16
}

// APICToCPU maps a physical APIC id to the logical CpuID the kernel
// assigned it, using whichever of the two representations spec §4.6
// describes fits the hardware: a trivial identity function when every
// enabled APIC id is contiguous starting at zero, or an explicit lookup
// table otherwise.
type APICToCPU struct {
	oneToOne    bool
	translation map[uint32]CpuID
}

// CPU translates an APIC id to its logical CpuID. ok is false if apicID was
// never registered.
func (m APICToCPU) CPU(apicID uint32) (CpuID, bool) {
	if m.oneToOne {
		return CpuID(apicID), true
	}
	id, ok := m.translation[apicID]
	return id, ok
}

// Topology is the result of parsing the MADT (spec §4.6): the set of
// logical CPUs, IRQ overrides, the local APIC's physical address (subject
// to override by a LocalAddressOverride record), and the id translation.
type Topology struct {
	LocalAPICAddr mem.PhysicalAddress
	CPUs          []CPUEntry
	IRQOverrides  []IRQOverride
	Mapping       APICToCPU
}

// defaultLocalAPICAddr is the xAPIC's fixed physical address on every i586
// that has one, used as-is when ACPI enumeration itself is unavailable.
const defaultLocalAPICAddr = mem.PhysicalAddress(0xfee00000)

// SingleCPUTopology returns a one-CPU Topology for machines (or emulators)
// whose firmware exposes no usable RSDP/MADT: a single enabled CPU at
// logical id 0, identity-mapped to APIC id 0, and the standard fixed local
// APIC address. Discover's caller falls back to this rather than failing
// boot outright (spec §4.6 never mandates ACPI be present, only that SMP
// bring-up uses it when it is).
func SingleCPUTopology() *Topology {
	return &Topology{
		LocalAPICAddr: defaultLocalAPICAddr,
		CPUs:          []CPUEntry{{ID: 0, APICID: 0, Enabled: true}},
		Mapping:       APICToCPU{oneToOne: true},
	}
}

// ParseMADT consumes the MADT's variable-length record stream starting at
// madtAddr (spec §4.6): a LocalAPIC or LocalX2APIC record with the enabled
// or can-be-enabled flag set registers a logical CPU; InterruptSourceOverride
// records an IRQ remap; LocalAddressOverride updates the local APIC
// physical address used for the rest of bring-up.
func ParseMADT(madtAddr mem.PhysicalAddress) (*Topology, *kernel.Error) {
	var length uint32
	if err := mapPhysRange(madtAddr, unsafe.Sizeof(madtHeader{}), func(b []byte) {
		length = (*madtHeader)(unsafe.Pointer(&b[0])).Length
	}); err != nil {
		return nil, err
	}
	if uintptr(length) < unsafe.Sizeof(madtHeader{}) {
		return nil, errUnsupportedMADTSize
	}

	topo := &Topology{}
	err := mapPhysRange(madtAddr, uintptr(length), func(b []byte) {
		hdr := (*madtHeader)(unsafe.Pointer(&b[0]))
		topo.LocalAPICAddr = mem.PhysicalAddress(hdr.LocalControllerAddress)

		off := unsafe.Sizeof(madtHeader{})
		for off+unsafe.Sizeof(madtEntryHeader{}) <= uintptr(len(b)) {
			eh := (*madtEntryHeader)(unsafe.Pointer(&b[off]))
			entryLen := uintptr(eh.Length)
			if entryLen < unsafe.Sizeof(madtEntryHeader{}) || off+entryLen > uintptr(len(b)) {
				break
			}

			switch eh.Type {
			case madtEntryLocalAPIC:
				e := (*madtLocalAPIC)(unsafe.Pointer(&b[off]))
				enabled := e.Flags&(localAPICEnabledFlag|localAPICOnlineCapableFlag) != 0
				topo.CPUs = append(topo.CPUs, CPUEntry{
					ID:      CpuID(len(topo.CPUs)),
					APICID:  uint32(e.APICID),
					Enabled: enabled,
				})
			case madtEntryLocalX2APIC:
				e := (*madtLocalX2APIC)(unsafe.Pointer(&b[off]))
				enabled := e.Flags&(localAPICEnabledFlag|localAPICOnlineCapableFlag) != 0
				topo.CPUs = append(topo.CPUs, CPUEntry{
					ID:      CpuID(len(topo.CPUs)),
					APICID:  e.X2APICID,
					Enabled: enabled,
				})
			case madtEntryInterruptSrcOvr:
				e := (*madtInterruptSrcOverride)(unsafe.Pointer(&b[off]))
				topo.IRQOverrides = append(topo.IRQOverrides, IRQOverride{
					SourceIRQ:             e.Source,
					GlobalSystemInterrupt: e.GlobalSystemInterrupt,
					Flags:                 e.Flags,
				})
			case madtEntryLocalAPICAddrOvr:
				e := (*madtLocalAddrOverride)(unsafe.Pointer(&b[off]))
				topo.LocalAPICAddr = mem.PhysicalAddress(e.Address)
			}

			off += entryLen
		}
	})
	if err != nil {
		return nil, err
	}

	topo.Mapping = buildAPICToCPU(topo.CPUs)
	return topo, nil
}

// buildAPICToCPU picks OneToOne when every enabled CPU's APIC id equals its
// logical index, and an explicit Arbitrary-style translation table
// otherwise (spec §4.6).
func buildAPICToCPU(cpus []CPUEntry) APICToCPU {
	oneToOne := true
	for _, c := range cpus {
		if !c.Enabled {
			continue
		}
		if c.APICID != uint32(c.ID) {
			oneToOne = false
			break
		}
	}
	if oneToOne {
		return APICToCPU{oneToOne: true}
	}

	translation := make(map[uint32]CpuID, len(cpus))
	for _, c := range cpus {
		if c.Enabled {
			translation[c.APICID] = c.ID
		}
	}
	return APICToCPU{translation: translation}
}

package gate

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page table or one of its entries
	// is not present or when a privilege and/or RW protection check
	// fails. The faulting address is loaded into CR2.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction
	// with an unmasked FP exception pending.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1.
	SIMDFloatingPointException = InterruptNumber(19)

	// FirstIRQ is the first vector routed to hardware interrupts. Vectors
	// 0x20-0x2f belong to the (disabled) legacy PIC.
	FirstIRQ = InterruptNumber(0x20)

	// LastPICIRQ is the last vector owned by the legacy PIC.
	LastPICIRQ = InterruptNumber(0x2f)
)

// HandlerKind selects how the table treats a vector that has no handler.
type HandlerKind uint8

const (
	// KindTrap vectors are CPU exceptions; reaching one without a handler
	// halts the system.
	KindTrap HandlerKind = iota

	// KindIRQ vectors are hardware interrupts; without a handler they are
	// acknowledged and ignored.
	KindIRQ
)

// String implements fmt.Stringer.
func (k HandlerKind) String() string {
	if k == KindIRQ {
		return "irq"
	}
	return "trap"
}

// Vector describes a single slot of the interrupt table.
type Vector struct {
	Number InterruptNumber
	Kind   HandlerKind
	Name   string

	// HasErrorCode is set for exceptions where the CPU pushes an error
	// code before invoking the handler.
	HasErrorCode bool
}

// exceptionNames lists the architectural exception names for vectors 0-31.
var exceptionNames = [32]string{
	"divide error", "debug", "NMI", "breakpoint",
	"overflow", "bound range exceeded", "invalid opcode", "device not available",
	"double fault", "coprocessor segment overrun", "invalid TSS", "segment not present",
	"stack-segment fault", "general protection fault", "page fault", "reserved",
	"x87 FP exception", "alignment check", "machine check", "SIMD FP exception",
	"virtualization exception", "control protection exception", "reserved", "reserved",
	"reserved", "reserved", "reserved", "reserved",
	"hypervisor injection exception", "VMM communication exception", "security exception", "reserved",
}

// errorCodeVectors is a bitmask of the exceptions that push an error code.
const errorCodeVectors = uint32(1<<8 | 1<<10 | 1<<11 | 1<<12 | 1<<13 | 1<<14 | 1<<17 | 1<<21 | 1<<29 | 1<<30)

// DefaultVectors returns the vector layout installed at boot: trap gates for
// the 32 CPU exceptions followed by IRQ gates for every remaining slot.
func DefaultVectors() []Vector {
	vectors := make([]Vector, 0, 256)
	for n := 0; n < len(exceptionNames); n++ {
		vectors = append(vectors, Vector{
			Number:       InterruptNumber(n),
			Kind:         KindTrap,
			Name:         exceptionNames[n],
			HasErrorCode: errorCodeVectors&(1<<uint(n)) != 0,
		})
	}

	for n := int(FirstIRQ); n < 256; n++ {
		name := "irq"
		if n <= int(LastPICIRQ) {
			name = "pic irq"
		}
		vectors = append(vectors, Vector{Number: InterruptNumber(n), Kind: KindIRQ, Name: name})
	}

	return vectors
}

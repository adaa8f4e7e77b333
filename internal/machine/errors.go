package machine

import (
	"errors"
	"fmt"
)

// Fault is the common shape of every machine-level error that needs to be latched
// into the CSR error register and, for CPU-originated accesses, turned into a bus
// error exception by the interpreter. Per design note 9(a), accesses never panic:
// every Bus method returns a Fault value instead of unwinding.
type Fault interface {
	error
	Address() uint32
}

// AccessFault is a permission violation: an inhibit-bit hit in the mapper, or a
// region-level ACL violation (JOB CPU in user mode touching a non-user region).
type AccessFault struct {
	Addr    uint32
	Write   bool
	Reason  string
}

func (f *AccessFault) Error() string {
	dir := "read"
	if f.Write {
		dir = "write"
	}
	return fmt.Sprintf("access fault: %s at %#08x: %s", dir, f.Addr, f.Reason)
}

func (f *AccessFault) Address() uint32 { return f.Addr }

// Is lets callers test with errors.Is(err, ErrAccess).
func (f *AccessFault) Is(target error) bool { return target == ErrAccess }

// UserIDFault is a mapper user-ID mismatch on a user-mode write. PageUID carries
// the page's recorded owner so software can identify the offending process, per
// the CSR error-latch convention (low byte 0xFF, next byte the page's user-ID).
type UserIDFault struct {
	Addr    uint32
	PageUID uint8
}

func (f *UserIDFault) Error() string {
	return fmt.Sprintf("user-id fault at %#08x: page owned by %d", f.Addr, f.PageUID)
}

func (f *UserIDFault) Address() uint32 { return f.Addr }

func (f *UserIDFault) Is(target error) bool { return target == ErrUserID }

// Code encodes the fault the way software recovers it from the error latch:
// low byte 0xFF marks a user-ID fault, the next byte carries the page's owner.
func (f *UserIDFault) Code() uint16 { return uint16(f.PageUID)<<8 | 0xFF }

// MultibusTimeoutFault describes an access into unmapped multibus territory, or
// a multibus access issued by the DMA CPU. The Mbus stub reports timeouts
// through the CSR latch (CSR.RaiseMultibusError) and does not return this type.
type MultibusTimeoutFault struct {
	Addr uint32
	Read bool
}

func (f *MultibusTimeoutFault) Error() string {
	return fmt.Sprintf("multibus timeout at %#08x", f.Addr)
}

func (f *MultibusTimeoutFault) Address() uint32 { return f.Addr }

func (f *MultibusTimeoutFault) Is(target error) bool { return target == ErrMultibusTimeout }

// ParityFault describes a read covering a byte marked bad by the parity-error
// shadow set. Bus.Read reports such a read by raising the parity interrupt and
// setting the CSR parity bits; it does not return this type.
type ParityFault struct {
	Addr uint32
	High bool
	Low  bool
}

func (f *ParityFault) Error() string {
	return fmt.Sprintf("parity error at %#08x (H=%v L=%v)", f.Addr, f.High, f.Low)
}

func (f *ParityFault) Address() uint32 { return f.Addr }

func (f *ParityFault) Is(target error) bool { return target == ErrParity }

// Sentinel errors for errors.Is comparisons against the concrete Fault types above.
var (
	ErrAccess          = errors.New("machine: access fault")
	ErrUserID          = errors.New("machine: user-id fault")
	ErrMultibusTimeout = errors.New("machine: multibus timeout")
	ErrParity          = errors.New("machine: parity error")
	ErrUnmapped        = errors.New("machine: unmapped address")
)

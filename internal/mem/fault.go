package mem

import "fmt"

// Access is the kind of memory operation being performed.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	}
	return "read"
}

// FaultKind classifies a memory fault.
type FaultKind int

const (
	FaultUnmapped  FaultKind = iota // no region contains the whole range
	FaultProtected                  // region lacks the permission for the access
	FaultDevice                     // host-backed region rejected the access
)

// Fault is returned for any access that does not resolve to exactly one
// region with the required permission.
type Fault struct {
	Addr   uint32
	Size   int
	Access Access
	Kind   FaultKind
	Region string // containing region, if any
	Err    error  // device error for FaultDevice
}

func (f *Fault) Error() string {
	reason := "memory fault"
	switch f.Kind {
	case FaultUnmapped:
		reason = "unmapped " + f.Access.String()
	case FaultProtected:
		reason = "protected " + f.Access.String()
	case FaultDevice:
		reason = "device " + f.Access.String()
	}
	s := fmt.Sprintf("%s at %#x(%d)", reason, f.Addr, f.Size)
	if f.Region != "" {
		s += " [" + f.Region + "]"
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

func (f *Fault) Unwrap() error {
	return f.Err
}

package api

import "fmt"
import "strings"

// Tier classify pools within the allocation hierarchy. Tiers are tried
// in increasing order, Emergency being the last resort.
type Tier int

const (
	// Primary tier serve small requests, size <= primary threshold.
	Primary Tier = iota
	// Secondary tier serve requests, size <= secondary threshold.
	Secondary
	// Large tier serve everything above secondary threshold.
	Large
	// Emergency tier is reserved to guarantee forward progress.
	Emergency
)

// Ntiers number of tiers in the hierarchy.
const Ntiers = 4

func (t Tier) String() string {
	switch t {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	case Large:
		return "large"
	case Emergency:
		return "emergency"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Parsetier convert tier name, as used in settings, to Tier.
func Parsetier(name string) (Tier, error) {
	switch strings.ToLower(name) {
	case "primary":
		return Primary, nil
	case "secondary":
		return Secondary, nil
	case "large":
		return Large, nil
	case "emergency":
		return Emergency, nil
	}
	return Primary, fmt.Errorf("api.invalidtier %q", name)
}

// Permission on an allocated range.
type Permission uint8

const (
	// PermRead allow reads through the handle.
	PermRead Permission = 1 << iota
	// PermWrite allow writes through the handle.
	PermWrite
)

// PermReadWrite default permission for new allocations.
const PermReadWrite = PermRead | PermWrite

func (p Permission) String() string {
	s := []byte("--")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	return string(s)
}

// Well known pool types used by the line editor.
const (
	Pooltypebuffer    = "buffer"
	Pooltypeevent     = "event"
	Pooltypestring    = "string"
	Pooltypetemp      = "temp"
	Pooltypeemergency = "emergency"
)

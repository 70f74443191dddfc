package lamp

// Record is one mesh lamp.
type Record struct {
	// Name is unique, case-sensitive and used verbatim in MQTT topics.
	Name string `json:"name"`

	// Address is the unicast address as entered, e.g. "0x0013" or "19".
	Address string `json:"address"`
}

// DuplicatePolicy decides whether UpdateByName may rename a lamp onto a
// name another lamp already holds.
type DuplicatePolicy string

const (
	// DuplicatePolicyReject returns ErrDuplicateName for such renames.
	DuplicatePolicyReject DuplicatePolicy = "reject"

	// DuplicatePolicyAllowShadow accepts them. Lookups by name then return
	// the first record in insertion order.
	DuplicatePolicyAllowShadow DuplicatePolicy = "allow_shadow"
)

// Limits on record fields.
const (
	MaxNameLen    = 31
	MaxAddressLen = 7

	// DefaultCapacity is the registry size when Options.Capacity is unset.
	DefaultCapacity = 20
)

// Options configures a Registry.
type Options struct {
	Capacity        int
	DuplicatePolicy DuplicatePolicy
}

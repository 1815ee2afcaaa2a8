// Package reputation maps a user's reputation score to a server eligibility
// level and adjusts the score after rotation events. The engine treats the
// System as a black box so deployments can swap in their own policy.
package reputation

// System is the reputation policy contract.
type System interface {
	// ServerLevel returns the server level a user with the given reputation
	// may be allocated to.
	ServerLevel(reputation int) int
	// AfterRotation returns the user's reputation after a successful key
	// rotation.
	AfterRotation(reputation int) int
}

const defaultRotationsPerLevel = 10

// Stepped is the default System: each rotation adds one reputation point and
// every RotationsPerLevel points promote the user one server level.
type Stepped struct {
	RotationsPerLevel int
}

// NewStepped returns a Stepped system with the default promotion rate.
func NewStepped() *Stepped {
	return &Stepped{RotationsPerLevel: defaultRotationsPerLevel}
}

func (s *Stepped) ServerLevel(reputation int) int {
	if reputation < 0 {
		return 0
	}
	per := s.RotationsPerLevel
	if per <= 0 {
		per = defaultRotationsPerLevel
	}
	return reputation / per
}

func (s *Stepped) AfterRotation(reputation int) int {
	return reputation + 1
}

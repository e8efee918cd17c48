package testutil

import "fmt"

// IDGen implements id.ID with a deterministic sequence in order to make
// assertions on generated ids.
type IDGen struct {
	prefix string
	n      int
}

// New implements the id.ID interface.
func (g *IDGen) New() string {
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Last returns the most recently generated id.
func (g *IDGen) Last() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

func NewIDGen(prefix string) *IDGen {
	return &IDGen{prefix: prefix}
}

package dofs

// ConstraintEntry is one term of a homogeneous linear constraint
// x_i = sum_k Coeff_k * x_{Index_k}.
type ConstraintEntry struct {
	Index int
	Coeff float64
}

// Constraints is the hanging-node constraint collaborator: a read-only map
// from a constrained DoF to its resolving entries. The transfer builder
// queries it during index-table construction; execution kernels resolve on
// gather and distribute on scatter.
type Constraints struct {
	lines map[int][]ConstraintEntry
}

func NewConstraints() *Constraints {
	return &Constraints{lines: make(map[int][]ConstraintEntry)}
}

func (c *Constraints) Add(dof int, entries []ConstraintEntry) {
	c.lines[dof] = entries
}

func (c *Constraints) IsConstrained(dof int) bool {
	_, ok := c.lines[dof]
	return ok
}

func (c *Constraints) Entries(dof int) []ConstraintEntry {
	return c.lines[dof]
}

func (c *Constraints) NConstraints() int { return len(c.lines) }

// ConstrainedDoFs lists all constrained indices (unordered).
func (c *Constraints) ConstrainedDoFs() (I []int) {
	for dof := range c.lines {
		I = append(I, dof)
	}
	return
}

package registry

// Op is one step of a transaction: either a Write or a Delete.
type Op interface {
	Target() Address
	op()
}

// Write sets the value at Addr, creating the key if needed.
type Write struct {
	Addr  Address
	Value Value
}

// Delete removes the value at Addr. Deleting an absent value fails.
type Delete struct {
	Addr Address
}

func (w Write) Target() Address { return w.Addr }
func (d Delete) Target() Address { return d.Addr }

func (Write) op() {}
func (Delete) op() {}

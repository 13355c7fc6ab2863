package process

import (
	"fmt"
)

// Builder assembles a process graph with sequential, conditional, parallel
// and compensation semantics. Misuse is accumulated and reported by Build.
type Builder struct {
	processType string
	steps       map[string]*step
	lastDefined *step
	// current is the step whose successor the next chain call defines.
	current *step
	// dangling are conditional-arm steps converging on the next
	// sequential step.
	dangling []*step
	// pendingFalse is a conditional without whenFalse; its false arm
	// skips to the next sequential step.
	pendingFalse *step
	initial      string
	fanCount     int
	ended        bool
	err          error
}

// NewBuilder starts a graph definition for a process type.
func NewBuilder(processType string) *Builder {
	return &Builder{
		processType: processType,
		steps:       make(map[string]*step),
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = fmt.Errorf("process %s: "+format, append([]interface{}{b.processType}, args...)...)
	}
}

func (b *Builder) addStep(name string) *step {
	if name == "" {
		b.fail("step name must not be empty")
		return &step{}
	}
	if _, ok := b.steps[name]; ok {
		b.fail("step %q defined twice", name)
		return b.steps[name]
	}
	s := &step{name: name}
	b.steps[name] = s
	b.lastDefined = s
	return s
}

// StartWith defines the initial step.
func (b *Builder) StartWith(name string) *Builder {
	if len(b.steps) > 0 {
		b.fail("StartWith must be the first call")
		return b
	}
	b.current = b.addStep(name)
	b.initial = name
	return b
}

// WithCompensation attaches a compensation step to the most recently defined
// forward step, branches included.
func (b *Builder) WithCompensation(name string) *Builder {
	if b.lastDefined == nil {
		b.fail("WithCompensation without a preceding step")
		return b
	}
	b.lastDefined.compensation = name
	return b
}

// Then appends a sequential step. Dangling conditional arms converge here.
func (b *Builder) Then(name string) *Builder {
	if b.ended {
		b.fail("Then after End")
		return b
	}
	s := b.addStep(name)
	b.wireTo(s.name)
	b.current = s
	return b
}

// wireTo points every open predecessor at the given step name.
func (b *Builder) wireTo(name string) {
	if b.current != nil {
		if b.current.next.kind != nextTerminal {
			b.fail("step %q already has a successor", b.current.name)
		}
		b.current.next = next{kind: nextDirect, direct: name}
	}
	for _, d := range b.dangling {
		d.next = next{kind: nextDirect, direct: name}
	}
	b.dangling = nil
	if b.pendingFalse != nil {
		b.pendingFalse.next.whenFalse = name
		b.pendingFalse = nil
	}
}

// ThenIf makes the current step's successor conditional.
func (b *Builder) ThenIf(pred Predicate) *ConditionalBuilder {
	if b.current == nil {
		b.fail("ThenIf without a current step")
		return &ConditionalBuilder{Builder: b}
	}
	cond := b.current
	cond.next = next{kind: nextConditional, predicate: pred}
	b.current = nil
	return &ConditionalBuilder{Builder: b, cond: cond}
}

// ConditionalBuilder wires the arms of a conditional successor.
type ConditionalBuilder struct {
	*Builder
	cond *step
}

// WhenTrue defines the step taken when the predicate holds.
func (c *ConditionalBuilder) WhenTrue(name string) *ConditionalBuilder {
	if c.cond == nil {
		return c
	}
	s := c.addStep(name)
	c.cond.next.whenTrue = s.name
	c.dangling = append(c.dangling, s)
	// Until WhenFalse is called, the false arm skips to the next
	// sequential step.
	c.pendingFalse = c.cond
	return c
}

// WhenFalse defines the step taken when the predicate does not hold.
// Omitting it skips straight to the next sequential step.
func (c *ConditionalBuilder) WhenFalse(name string) *ConditionalBuilder {
	if c.cond == nil {
		return c
	}
	if c.cond.next.whenTrue == "" {
		c.fail("WhenFalse before WhenTrue")
		return c
	}
	s := c.addStep(name)
	c.cond.next.whenFalse = s.name
	c.dangling = append(c.dangling, s)
	c.pendingFalse = nil
	return c
}

// ThenParallel fans out into concurrent branches after the current step. The
// fan-out itself is a synthetic node that never executes a command and never
// appears in the process log.
func (b *Builder) ThenParallel() *ParallelBuilder {
	if b.current == nil && len(b.dangling) == 0 {
		b.fail("ThenParallel without a current step")
		return &ParallelBuilder{builder: b}
	}
	prevDefined := b.lastDefined
	b.fanCount++
	fan := b.addStep(fmt.Sprintf("%s%d", fanPrefix, b.fanCount))
	b.lastDefined = prevDefined
	b.wireTo(fan.name)
	fan.next = next{kind: nextParallel, branches: make(map[string]bool)}
	b.current = nil
	return &ParallelBuilder{builder: b, fan: fan}
}

// ParallelBuilder collects branches and their join step.
type ParallelBuilder struct {
	builder *Builder
	fan     *step
}

// Branch adds a concurrent branch step.
func (p *ParallelBuilder) Branch(name string) *ParallelBuilder {
	if p.fan == nil {
		return p
	}
	s := p.builder.addStep(name)
	p.fan.next.branches[s.name] = true
	return p
}

// WithCompensation attaches a compensation to the most recent branch.
func (p *ParallelBuilder) WithCompensation(name string) *ParallelBuilder {
	p.builder.WithCompensation(name)
	return p
}

// JoinAt defines the step run once every branch completed and returns to the
// sequential chain.
func (p *ParallelBuilder) JoinAt(name string) *Builder {
	b := p.builder
	if p.fan == nil {
		return b
	}
	if len(p.fan.next.branches) == 0 {
		b.fail("parallel fan-out of %q has no branches", p.fan.name)
		return b
	}
	join := b.addStep(name)
	p.fan.next.join = join.name
	for branch := range p.fan.next.branches {
		b.steps[branch].next = next{kind: nextDirect, direct: join.name}
	}
	b.current = join
	return b
}

// End marks the current step terminal.
func (b *Builder) End() *Builder {
	if b.ended {
		b.fail("End called twice")
		return b
	}
	b.ended = true
	// Terminal is the zero next; dangling arms and a pending false arm
	// simply end the process.
	b.dangling = nil
	b.pendingFalse = nil
	return b
}

// Build validates and freezes the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.ended {
		return nil, fmt.Errorf("process %s: End was not called", b.processType)
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("process %s: no steps defined", b.processType)
	}

	g := &Graph{
		processType: b.processType,
		initial:     b.initial,
		steps:       b.steps,
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

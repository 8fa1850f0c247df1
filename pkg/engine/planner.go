package engine

import (
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// Inventory is the host source the planner resolves patterns against.
type Inventory interface {
	// All returns every host in the inventory.
	All() []*Host

	// Group returns the hosts of a named group, reporting whether the group
	// exists.
	Group(name string) ([]*Host, bool)

	// Lookup returns a host by name.
	Lookup(name string) (*Host, bool)
}

// Plan is the fully resolved execution order for a playbook run.
type Plan struct {
	// Playbook is the source playbook.
	Playbook *Playbook

	// Plays are the per-play plans, in play order.
	Plays []*PlayPlan
}

// PlayPlan is one play resolved against the inventory and tag filter.
type PlayPlan struct {
	// Play is the source play.
	Play *Play

	// Hosts are the matched hosts in inventory order.
	Hosts []*Host

	// Batches splits Hosts per the play's serial specification.
	Batches [][]*Host

	// Steps is the expanded, tag-filtered task sequence: pre-tasks, role
	// tasks, tasks, post-tasks.
	Steps []Step

	// Handlers are the play's handlers plus those contributed by roles.
	Handlers []Handler

	// BaseVars are the play-level variables after role precedence merging:
	// role defaults, then role vars, then role-ref overrides, then play vars.
	BaseVars map[string]any
}

// Planner resolves playbooks into plans.
type Planner struct {
	inventory Inventory
	tags      *TagFilter
}

// NewPlanner creates a planner over an inventory and tag filter. A nil
// filter admits everything.
func NewPlanner(inventory Inventory, tags *TagFilter) *Planner {
	if tags == nil {
		tags = NewTagFilter(nil, nil)
	}
	return &Planner{inventory: inventory, tags: tags}
}

// Plan resolves every play in the playbook. A play matching zero hosts is
// kept in the plan with empty batches so reporting can mention it.
func (p *Planner) Plan(pb *Playbook) (*Plan, error) {
	plan := &Plan{Playbook: pb}
	for i := range pb.Plays {
		pp, err := p.planPlay(pb, &pb.Plays[i], i)
		if err != nil {
			return nil, err
		}
		plan.Plays = append(plan.Plays, pp)
	}
	return plan, nil
}

func (p *Planner) planPlay(pb *Playbook, play *Play, index int) (*PlayPlan, error) {
	hosts, err := p.MatchHosts(play.Hosts)
	if err != nil {
		return nil, err
	}

	// The free strategy has no batch barriers, so serial batching does not
	// apply: every host runs in one batch.
	serial := play.Serial
	if play.Strategy == StrategyFree {
		if len(serial) > 0 {
			log.Warn().Str("play", play.Name).Msg("serial is ignored under the free strategy")
		}
		serial = nil
	}

	batches, err := computeBatches(hosts, serial)
	if err != nil {
		return nil, NewPlanError(fmt.Sprintf("play %q: invalid serial specification", play.Name), err)
	}

	pp := &PlayPlan{
		Play:     play,
		Hosts:    hosts,
		Batches:  batches,
		Handlers: append([]Handler(nil), play.Handlers...),
		BaseVars: make(map[string]any),
	}

	// Role expansion happens between pre-tasks and tasks, depth-first over
	// dependencies.
	var roleSteps []Step
	expanded := make(map[string]bool)
	for _, ref := range play.Roles {
		steps, err := p.expandRole(pb, play, ref, nil, expanded, pp)
		if err != nil {
			return nil, err
		}
		roleSteps = append(roleSteps, steps...)
	}

	// Play vars override everything the roles contributed.
	for k, v := range play.Vars {
		pp.BaseVars[k] = v
	}

	idGen := &taskIDGen{play: index}
	pp.Steps = p.filterSteps(play.PreTasks, play.Tags, idGen)
	pp.Steps = append(pp.Steps, p.filterSteps(roleSteps, play.Tags, idGen)...)
	pp.Steps = append(pp.Steps, p.filterSteps(play.Tasks, play.Tags, idGen)...)
	pp.Steps = append(pp.Steps, p.filterSteps(play.PostTasks, play.Tags, idGen)...)

	log.Debug().
		Str("play", play.Name).
		Int("hosts", len(hosts)).
		Int("batches", len(batches)).
		Int("steps", len(pp.Steps)).
		Msg("play planned")

	return pp, nil
}

// expandRole expands one role reference depth-first. The stack tracks the
// in-progress expansion path for cycle detection; expanded prevents the same
// role from contributing tasks twice in one play.
func (p *Planner) expandRole(pb *Playbook, play *Play, ref RoleRef, stack []string, expanded map[string]bool, pp *PlayPlan) ([]Step, error) {
	for _, name := range stack {
		if name == ref.Name {
			cycle := strings.Join(append(stack, ref.Name), " -> ")
			return nil, NewPlanError(fmt.Sprintf("circular role dependency: %s", cycle), nil)
		}
	}

	role, ok := pb.Roles[ref.Name]
	if !ok {
		return nil, NewPlanError(fmt.Sprintf("play %q references unknown role %q", play.Name, ref.Name), nil)
	}

	var steps []Step
	stack = append(stack, ref.Name)
	for _, dep := range role.Dependencies {
		depSteps, err := p.expandRole(pb, play, dep, stack, expanded, pp)
		if err != nil {
			return nil, err
		}
		steps = append(steps, depSteps...)
	}

	if expanded[ref.Name] {
		return steps, nil
	}
	expanded[ref.Name] = true

	// Precedence within the role layer: defaults, role vars, reference
	// overrides. Later roles override earlier ones for colliding keys.
	for k, v := range role.Defaults {
		if _, ok := pp.BaseVars[k]; !ok {
			pp.BaseVars[k] = v
		}
	}
	for k, v := range role.Vars {
		pp.BaseVars[k] = v
	}
	for k, v := range ref.Vars {
		pp.BaseVars[k] = v
	}

	for _, step := range role.Tasks {
		steps = append(steps, stepWithTags(step, ref.Tags))
	}
	pp.Handlers = append(pp.Handlers, role.Handlers...)
	return steps, nil
}

// stepWithTags returns a copy of step with extra tags merged in.
func stepWithTags(step Step, tags []string) Step {
	if len(tags) == 0 {
		return step
	}
	if step.Task != nil {
		t := *step.Task
		t.Tags = mergeTags(t.Tags, tags)
		return Step{Task: &t}
	}
	if step.Block != nil {
		b := *step.Block
		b.Tags = mergeTags(b.Tags, tags)
		return Step{Block: &b}
	}
	return step
}

// filterSteps applies the tag filter and assigns stable task identities.
// Blocks whose every body task is filtered out are dropped.
func (p *Planner) filterSteps(steps []Step, playTags []string, gen *taskIDGen) []Step {
	var out []Step
	for _, step := range steps {
		switch {
		case step.Task != nil:
			t := *step.Task
			t.Tags = mergeTags(t.Tags, playTags)
			gen.assign(&t)
			if !p.tags.Admits(t.Tags) {
				continue
			}
			out = append(out, Step{Task: &t})
		case step.Block != nil:
			b := p.filterBlock(step.Block, playTags, gen)
			if b != nil {
				out = append(out, Step{Block: b})
			}
		}
	}
	return out
}

func (p *Planner) filterBlock(block *Block, playTags []string, gen *taskIDGen) *Block {
	merged := mergeTags(block.Tags, playTags)
	b := &Block{Name: block.Name, When: block.When, Tags: merged}

	for _, t := range block.Tasks {
		task := t
		task.Tags = mergeTags(task.Tags, merged)
		gen.assign(&task)
		if !p.tags.Admits(task.Tags) {
			continue
		}
		b.Tasks = append(b.Tasks, task)
	}
	if len(b.Tasks) == 0 {
		return nil
	}

	// Rescue and always inherit the block's admission: they run as part of
	// the block's error handling, not under their own tags.
	for _, t := range block.Rescue {
		task := t
		task.Tags = mergeTags(task.Tags, merged)
		gen.assign(&task)
		b.Rescue = append(b.Rescue, task)
	}
	for _, t := range block.Always {
		task := t
		task.Tags = mergeTags(task.Tags, merged)
		gen.assign(&task)
		b.Always = append(b.Always, task)
	}
	return b
}

// taskIDGen assigns stable per-play task identities to tasks the playbook
// left unnamed. Stability across runs holds because resume requires an
// unmodified playbook.
type taskIDGen struct {
	play int
	next int
}

func (g *taskIDGen) assign(t *Task) {
	g.next++
	if t.ID == "" {
		t.ID = fmt.Sprintf("p%d.t%d:%s", g.play, g.next, t.Name)
	}
}

// MatchHosts resolves a host pattern against the inventory. Patterns are
// colon-separated terms: plain terms union, "&" terms intersect, "!" terms
// exclude. Terms match host names, group names, or shell-style globs over
// host names. An unknown non-glob term is a configuration error.
func (p *Planner) MatchHosts(pattern string) ([]*Host, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, NewConfigError("empty host pattern", nil)
	}

	selected := make(map[string]bool)
	order := p.inventory.All()

	apply := func(term string, op byte) error {
		matched, err := p.matchTerm(term)
		if err != nil {
			return err
		}
		switch op {
		case '&':
			for name := range selected {
				if !matched[name] {
					delete(selected, name)
				}
			}
		case '!':
			for name := range matched {
				delete(selected, name)
			}
		default:
			for name := range matched {
				selected[name] = true
			}
		}
		return nil
	}

	for _, raw := range strings.Split(pattern, ":") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		var op byte
		if term[0] == '&' || term[0] == '!' {
			op = term[0]
			term = strings.TrimSpace(term[1:])
		}
		if err := apply(term, op); err != nil {
			return nil, err
		}
	}

	// Inventory order keeps batch composition deterministic.
	var hosts []*Host
	for _, h := range order {
		if selected[h.Name] {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

func (p *Planner) matchTerm(term string) (map[string]bool, error) {
	matched := make(map[string]bool)

	if term == "all" || term == "*" {
		for _, h := range p.inventory.All() {
			matched[h.Name] = true
		}
		return matched, nil
	}

	if hosts, ok := p.inventory.Group(term); ok {
		for _, h := range hosts {
			matched[h.Name] = true
		}
		return matched, nil
	}

	if _, ok := p.inventory.Lookup(term); ok {
		matched[term] = true
		return matched, nil
	}

	if strings.ContainsAny(term, "*?[") {
		for _, h := range p.inventory.All() {
			if ok, _ := path.Match(term, h.Name); ok {
				matched[h.Name] = true
			}
		}
		return matched, nil
	}

	return nil, NewConfigError(fmt.Sprintf("pattern term %q matches no group or host", term), nil)
}

// computeBatches splits hosts per the serial specification. An empty spec
// yields one batch with every host. Percentages round up; the final element
// repeats over the remaining hosts.
func computeBatches(hosts []*Host, serial []SerialSize) ([][]*Host, error) {
	if len(hosts) == 0 {
		return nil, nil
	}
	if len(serial) == 0 {
		return [][]*Host{hosts}, nil
	}

	sizeOf := func(s SerialSize) (int, error) {
		n := s.Count
		if s.Percent {
			if n <= 0 || n > 100 {
				return 0, fmt.Errorf("percentage %d out of range", n)
			}
			n = (n*len(hosts) + 99) / 100
		}
		if n <= 0 {
			return 0, fmt.Errorf("batch size %d must be positive", n)
		}
		return n, nil
	}

	var batches [][]*Host
	remaining := hosts
	idx := 0
	for len(remaining) > 0 {
		spec := serial[idx]
		if idx < len(serial)-1 {
			idx++
		}
		n, err := sizeOf(spec)
		if err != nil {
			return nil, err
		}
		if n > len(remaining) {
			n = len(remaining)
		}
		batches = append(batches, remaining[:n])
		remaining = remaining[n:]
	}
	return batches, nil
}

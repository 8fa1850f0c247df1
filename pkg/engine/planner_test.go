package engine

import (
	"fmt"
	"strings"
	"testing"
)

type fakeInventory struct {
	hosts  []*Host
	groups map[string][]string
}

func newFakeInventory(hosts []string, groups map[string][]string) *fakeInventory {
	inv := &fakeInventory{groups: groups}
	for _, name := range hosts {
		inv.hosts = append(inv.hosts, &Host{Name: name})
	}
	return inv
}

func (f *fakeInventory) All() []*Host {
	return f.hosts
}

func (f *fakeInventory) Group(name string) ([]*Host, bool) {
	members, ok := f.groups[name]
	if !ok {
		return nil, false
	}
	var out []*Host
	for _, m := range members {
		if h, ok := f.Lookup(m); ok {
			out = append(out, h)
		}
	}
	return out, true
}

func (f *fakeInventory) Lookup(name string) (*Host, bool) {
	for _, h := range f.hosts {
		if h.Name == name {
			return h, true
		}
	}
	return nil, false
}

func hostNames(hosts []*Host) []string {
	var out []string
	for _, h := range hosts {
		out = append(out, h.Name)
	}
	return out
}

func TestMatchHostsPatternAlgebra(t *testing.T) {
	inv := newFakeInventory(
		[]string{"web1", "web2", "db1", "db2", "cache1"},
		map[string][]string{
			"webservers": {"web1", "web2"},
			"dbservers":  {"db1", "db2"},
			"staging":    {"web2", "db2", "cache1"},
		},
	)
	p := NewPlanner(inv, nil)

	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{"single group", "webservers", []string{"web1", "web2"}},
		{"union", "webservers:dbservers", []string{"web1", "web2", "db1", "db2"}},
		{"intersection", "webservers:&staging", []string{"web2"}},
		{"exclusion", "webservers:dbservers:!staging", []string{"web1", "db1"}},
		{"all", "all", []string{"web1", "web2", "db1", "db2", "cache1"}},
		{"glob", "web*", []string{"web1", "web2"}},
		{"single host", "cache1", []string{"cache1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, err := p.MatchHosts(tt.pattern)
			if err != nil {
				t.Fatalf("MatchHosts(%q): %v", tt.pattern, err)
			}
			got := hostNames(hosts)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("MatchHosts(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchHostsUnknownGroup(t *testing.T) {
	inv := newFakeInventory([]string{"web1"}, map[string][]string{})
	p := NewPlanner(inv, nil)

	_, err := p.MatchHosts("nosuchgroup")
	if err == nil {
		t.Fatal("expected error for unknown group")
	}
	if !IsKind(err, ErrKindConfig) {
		t.Errorf("expected config error, got %v", KindOf(err))
	}
}

func TestComputeBatchesCount(t *testing.T) {
	hosts := makeHosts(5)
	batches, err := computeBatches(hosts, []SerialSize{{Count: 2}})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"h1", "h2"}, {"h3", "h4"}, {"h5"}}
	assertBatches(t, batches, want)
}

func TestComputeBatchesPercentageRoundsUp(t *testing.T) {
	hosts := makeHosts(10)
	batches, err := computeBatches(hosts, []SerialSize{{Count: 25, Percent: true}})
	if err != nil {
		t.Fatal(err)
	}
	// 25% of 10 rounds up to 3: batches of 3,3,3,1.
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches, got %d", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[3]) != 1 {
		t.Errorf("unexpected batch sizes: %d, %d", len(batches[0]), len(batches[3]))
	}
}

func TestComputeBatchesProgressiveFinalRepeats(t *testing.T) {
	hosts := makeHosts(8)
	batches, err := computeBatches(hosts, []SerialSize{{Count: 1}, {Count: 2}})
	if err != nil {
		t.Fatal(err)
	}
	// 1, then 2 repeating: 1,2,2,2,1.
	sizes := []int{1, 2, 2, 2, 1}
	if len(batches) != len(sizes) {
		t.Fatalf("expected %d batches, got %d", len(sizes), len(batches))
	}
	for i, n := range sizes {
		if len(batches[i]) != n {
			t.Errorf("batch %d: expected %d hosts, got %d", i, n, len(batches[i]))
		}
	}
}

func TestComputeBatchesEmptySerial(t *testing.T) {
	hosts := makeHosts(3)
	batches, err := computeBatches(hosts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Errorf("expected one batch of 3, got %d batches", len(batches))
	}
}

func TestComputeBatchesInvalidSize(t *testing.T) {
	if _, err := computeBatches(makeHosts(3), []SerialSize{{Count: 0}}); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := computeBatches(makeHosts(3), []SerialSize{{Count: 150, Percent: true}}); err == nil {
		t.Error("expected error for percentage over 100")
	}
}

func TestPlanFreeStrategyIgnoresSerial(t *testing.T) {
	hosts := []string{"h1", "h2", "h3", "h4"}
	inv := newFakeInventory(hosts, map[string][]string{"all_hosts": hosts})
	pb := &Playbook{
		Plays: []Play{{
			Name:     "rolling",
			Hosts:    "all_hosts",
			Strategy: StrategyFree,
			Serial:   []SerialSize{{Count: 1}},
			Tasks:    []Step{{Task: &Task{Name: "step", Module: "command"}}},
		}},
	}

	plan, err := NewPlanner(inv, nil).Plan(pb)
	if err != nil {
		t.Fatal(err)
	}
	batches := plan.Plays[0].Batches
	if len(batches) != 1 || len(batches[0]) != 4 {
		t.Fatalf("free strategy must run every host in one batch, got %d batches", len(batches))
	}
}

func TestPlanRoleExpansionDepthFirst(t *testing.T) {
	inv := newFakeInventory([]string{"h1"}, map[string][]string{"all_hosts": {"h1"}})
	pb := &Playbook{
		Plays: []Play{{
			Name:  "deploy",
			Hosts: "h1",
			Roles: []RoleRef{{Name: "app"}},
		}},
		Roles: map[string]*Role{
			"app": {
				Name:         "app",
				Dependencies: []RoleRef{{Name: "base"}},
				Tasks:        []Step{{Task: &Task{Name: "install app", Module: "package"}}},
			},
			"base": {
				Name:  "base",
				Tasks: []Step{{Task: &Task{Name: "install base", Module: "package"}}},
			},
		},
	}

	plan, err := NewPlanner(inv, nil).Plan(pb)
	if err != nil {
		t.Fatal(err)
	}
	steps := plan.Plays[0].Steps
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Task.Name != "install base" {
		t.Errorf("dependency should come first, got %q", steps[0].Task.Name)
	}
	if steps[1].Task.Name != "install app" {
		t.Errorf("expected app task second, got %q", steps[1].Task.Name)
	}
}

func TestPlanRoleCycleDetected(t *testing.T) {
	inv := newFakeInventory([]string{"h1"}, nil)
	pb := &Playbook{
		Plays: []Play{{Name: "p", Hosts: "h1", Roles: []RoleRef{{Name: "a"}}}},
		Roles: map[string]*Role{
			"a": {Name: "a", Dependencies: []RoleRef{{Name: "b"}}},
			"b": {Name: "b", Dependencies: []RoleRef{{Name: "a"}}},
		},
	}

	_, err := NewPlanner(inv, nil).Plan(pb)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !IsKind(err, ErrKindPlan) {
		t.Errorf("expected plan error, got %v", KindOf(err))
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Errorf("error should name the cycle: %v", err)
	}
}

func TestPlanRoleVarPrecedence(t *testing.T) {
	inv := newFakeInventory([]string{"h1"}, nil)
	pb := &Playbook{
		Plays: []Play{{
			Name:  "p",
			Hosts: "h1",
			Vars:  map[string]any{"play_wins": "play"},
			Roles: []RoleRef{{Name: "r", Vars: map[string]any{"ref_wins": "ref", "play_wins": "ref"}}},
		}},
		Roles: map[string]*Role{
			"r": {
				Name:     "r",
				Defaults: map[string]any{"default_wins": "default", "ref_wins": "default"},
				Vars:     map[string]any{"role_wins": "role"},
			},
		},
	}

	plan, err := NewPlanner(inv, nil).Plan(pb)
	if err != nil {
		t.Fatal(err)
	}
	vars := plan.Plays[0].BaseVars
	for key, want := range map[string]string{
		"default_wins": "default",
		"role_wins":    "role",
		"ref_wins":     "ref",
		"play_wins":    "play",
	} {
		if got := vars[key]; got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
}

func TestPlanTagFiltering(t *testing.T) {
	inv := newFakeInventory([]string{"h1"}, nil)
	pb := &Playbook{
		Plays: []Play{{
			Name:  "p",
			Hosts: "h1",
			Tasks: []Step{
				{Task: &Task{Name: "setup", Module: "command", Tags: []string{"setup"}}},
				{Task: &Task{Name: "deploy", Module: "command", Tags: []string{"deploy"}}},
				{Task: &Task{Name: "cleanup", Module: "command", Tags: []string{"always"}}},
			},
		}},
	}

	plan, err := NewPlanner(inv, NewTagFilter([]string{"deploy"}, nil)).Plan(pb)
	if err != nil {
		t.Fatal(err)
	}
	steps := plan.Plays[0].Steps
	if len(steps) != 2 {
		t.Fatalf("expected deploy + always, got %d steps", len(steps))
	}
	if steps[0].Task.Name != "deploy" || steps[1].Task.Name != "cleanup" {
		t.Errorf("unexpected steps: %q, %q", steps[0].Task.Name, steps[1].Task.Name)
	}
}

func TestPlanAssignsStableTaskIDs(t *testing.T) {
	inv := newFakeInventory([]string{"h1"}, nil)
	pb := &Playbook{
		Plays: []Play{{
			Name:  "p",
			Hosts: "h1",
			Tasks: []Step{
				{Task: &Task{Name: "one", Module: "command"}},
				{Task: &Task{Name: "two", Module: "command"}},
			},
		}},
	}

	first, err := NewPlanner(inv, nil).Plan(pb)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewPlanner(inv, nil).Plan(pb)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first.Plays[0].Steps {
		a := first.Plays[0].Steps[i].Task.ID
		b := second.Plays[0].Steps[i].Task.ID
		if a == "" {
			t.Fatalf("step %d: empty task id", i)
		}
		if a != b {
			t.Errorf("step %d: ids differ across plans: %q vs %q", i, a, b)
		}
	}
}

func makeHosts(n int) []*Host {
	hosts := make([]*Host, n)
	for i := range hosts {
		hosts[i] = &Host{Name: fmt.Sprintf("h%d", i+1)}
	}
	return hosts
}

func assertBatches(t *testing.T, batches [][]*Host, want [][]string) {
	t.Helper()
	if len(batches) != len(want) {
		t.Fatalf("expected %d batches, got %d", len(want), len(batches))
	}
	for i := range want {
		got := hostNames(batches[i])
		if strings.Join(got, ",") != strings.Join(want[i], ",") {
			t.Errorf("batch %d = %v, want %v", i, got, want[i])
		}
	}
}

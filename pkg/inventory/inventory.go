// Package inventory loads host and group definitions and resolves them into
// engine hosts with merged variables.
package inventory

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// HostSpec is one host entry in the inventory file.
type HostSpec struct {
	// Address is the connection address. Defaults to the host's name.
	Address string `yaml:"address,omitempty"`

	// Port is the SSH port.
	Port int `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// User is the login user.
	User string `yaml:"user,omitempty"`

	// Connection selects the transport.
	Connection string `yaml:"connection,omitempty" validate:"omitempty,oneof=ssh local"`

	// Vars are host variables, highest precedence.
	Vars map[string]any `yaml:"vars,omitempty"`
}

// GroupSpec is one group entry in the inventory file.
type GroupSpec struct {
	// Hosts are the group's member host names.
	Hosts []string `yaml:"hosts,omitempty"`

	// Children are nested group names whose members are included.
	Children []string `yaml:"children,omitempty"`

	// Vars apply to every member, below host vars.
	Vars map[string]any `yaml:"vars,omitempty"`
}

// File is the inventory file schema.
type File struct {
	// Hosts maps host name to its spec.
	Hosts map[string]HostSpec `yaml:"hosts" validate:"required,min=1,dive"`

	// Groups maps group name to its spec.
	Groups map[string]GroupSpec `yaml:"groups,omitempty"`
}

// Inventory is the resolved host source the planner queries.
type Inventory struct {
	hosts  []*engine.Host
	byName map[string]*engine.Host
	groups map[string][]string
}

var validate = validator.New()

// Load reads and parses an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read inventory %s", path), err)
	}
	return Parse(data)
}

// Parse builds an inventory from YAML content. Group membership must name
// declared hosts; group children must name declared groups.
func Parse(data []byte) (*Inventory, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, engine.NewConfigError("invalid inventory YAML", err)
	}
	if err := validate.Struct(&file); err != nil {
		return nil, engine.NewConfigError("invalid inventory", err)
	}

	inv := &Inventory{
		byName: make(map[string]*engine.Host, len(file.Hosts)),
		groups: make(map[string][]string, len(file.Groups)),
	}

	// Map iteration order is random; sort for deterministic planning.
	names := make([]string, 0, len(file.Hosts))
	for name := range file.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	allVars := file.Groups["all"].Vars
	for _, name := range names {
		spec := file.Hosts[name]
		host := &engine.Host{
			Name:       name,
			Address:    spec.Address,
			Port:       spec.Port,
			User:       spec.User,
			Connection: spec.Connection,
			Vars:       make(map[string]any),
		}
		if host.Address == "" {
			host.Address = name
		}
		if host.Connection == "" {
			host.Connection = "ssh"
		}
		for k, v := range allVars {
			host.Vars[k] = v
		}
		inv.hosts = append(inv.hosts, host)
		inv.byName[name] = host
	}

	// Sorted group order keeps colliding group vars deterministic.
	groupNames := make([]string, 0, len(file.Groups))
	for name := range file.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	for _, name := range groupNames {
		group := file.Groups[name]
		members, err := resolveMembers(name, file.Groups, nil)
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			host, ok := inv.byName[member]
			if !ok {
				return nil, engine.NewConfigError(
					fmt.Sprintf("group %q lists unknown host %q", name, member), nil)
			}
			if name == "all" {
				continue
			}
			for k, v := range group.Vars {
				host.Vars[k] = v
			}
		}
		inv.groups[name] = members
	}

	// Host-level vars win over every group layer.
	for _, host := range inv.hosts {
		for k, v := range file.Hosts[host.Name].Vars {
			host.Vars[k] = v
		}
	}

	// "all" always spans the whole inventory; a declared all group only
	// carries vars.
	if members := inv.groups["all"]; len(members) == 0 {
		all := make([]string, len(names))
		copy(all, names)
		inv.groups["all"] = all
	}
	return inv, nil
}

// resolveMembers flattens a group's hosts including children, detecting
// membership cycles.
func resolveMembers(name string, groups map[string]GroupSpec, stack []string) ([]string, error) {
	for _, seen := range stack {
		if seen == name {
			return nil, engine.NewConfigError(fmt.Sprintf("group cycle involving %q", name), nil)
		}
	}
	group, ok := groups[name]
	if !ok {
		return nil, engine.NewConfigError(fmt.Sprintf("unknown group %q", name), nil)
	}

	seen := make(map[string]struct{})
	var members []string
	add := func(host string) {
		if _, ok := seen[host]; ok {
			return
		}
		seen[host] = struct{}{}
		members = append(members, host)
	}
	for _, host := range group.Hosts {
		add(host)
	}
	stack = append(stack, name)
	for _, child := range group.Children {
		childMembers, err := resolveMembers(child, groups, stack)
		if err != nil {
			return nil, err
		}
		for _, host := range childMembers {
			add(host)
		}
	}
	return members, nil
}

// All returns every host, sorted by name.
func (i *Inventory) All() []*engine.Host {
	return i.hosts
}

// Group returns a group's hosts in member order.
func (i *Inventory) Group(name string) ([]*engine.Host, bool) {
	members, ok := i.groups[name]
	if !ok {
		return nil, false
	}
	hosts := make([]*engine.Host, 0, len(members))
	for _, m := range members {
		if h, ok := i.byName[m]; ok {
			hosts = append(hosts, h)
		}
	}
	return hosts, true
}

// Lookup returns a host by name.
func (i *Inventory) Lookup(name string) (*engine.Host, bool) {
	h, ok := i.byName[name]
	return h, ok
}

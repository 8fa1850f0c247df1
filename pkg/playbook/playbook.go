// Package playbook loads play, task and role definitions from YAML into
// engine types, validating the schema and hashing the content for
// checkpoint identity.
package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nexus-automation/nexus/pkg/engine"
)

var validate = validator.New()

// retrySpec mirrors engine.RetryPolicy with human-readable durations.
type retrySpec struct {
	Attempts  int    `yaml:"attempts" validate:"required,min=1"`
	Strategy  string `yaml:"strategy,omitempty" validate:"omitempty,oneof=fixed linear exponential"`
	Delay     string `yaml:"delay,omitempty"`
	Increment string `yaml:"increment,omitempty"`
	MaxDelay  string `yaml:"max_delay,omitempty"`
	Jitter    bool   `yaml:"jitter,omitempty"`
	Until     string `yaml:"until,omitempty"`
	RetryWhen string `yaml:"retry_when,omitempty"`
}

type breakerSpec struct {
	FailureThreshold int    `yaml:"failure_threshold" validate:"required,min=1"`
	SuccessThreshold int    `yaml:"success_threshold" validate:"required,min=1"`
	ResetTimeout     string `yaml:"reset_timeout" validate:"required"`
}

type asyncSpec struct {
	Timeout string `yaml:"timeout" validate:"required"`
	Poll    string `yaml:"poll,omitempty"`
}

type taskSpec struct {
	ID           string         `yaml:"id,omitempty"`
	Name         string         `yaml:"name" validate:"required"`
	Module       string         `yaml:"module" validate:"required"`
	Args         map[string]any `yaml:"args,omitempty"`
	When         string         `yaml:"when,omitempty"`
	Loop         string         `yaml:"loop,omitempty"`
	LoopVar      string         `yaml:"loop_var,omitempty"`
	Register     string         `yaml:"register,omitempty"`
	FailWhen     string         `yaml:"fail_when,omitempty"`
	ChangedWhen  string         `yaml:"changed_when,omitempty"`
	Notify       []string       `yaml:"notify,omitempty"`
	Tags         []string       `yaml:"tags,omitempty"`
	DelegateTo   string         `yaml:"delegate_to,omitempty"`
	Throttle     int            `yaml:"throttle,omitempty" validate:"omitempty,min=1"`
	Retry        *retrySpec     `yaml:"retry,omitempty"`
	Breaker      *breakerSpec   `yaml:"breaker,omitempty"`
	Async        *asyncSpec     `yaml:"async,omitempty"`
	IgnoreErrors bool           `yaml:"ignore_errors,omitempty"`
	Sudo         bool           `yaml:"sudo,omitempty"`
	SudoUser     string         `yaml:"sudo_user,omitempty"`
	Vars         map[string]any `yaml:"vars,omitempty"`
}

// stepSpec is either a task or a block; the presence of a block key decides.
type stepSpec struct {
	taskSpec `yaml:",inline"`
	Block    []taskSpec `yaml:"block,omitempty"`
	Rescue   []taskSpec `yaml:"rescue,omitempty"`
	Always   []taskSpec `yaml:"always,omitempty"`
}

type handlerSpec struct {
	Name   string         `yaml:"name" validate:"required"`
	Module string         `yaml:"module" validate:"required"`
	Args   map[string]any `yaml:"args,omitempty"`
}

// roleRefSpec accepts either a bare role name or a mapping with overrides.
type roleRefSpec struct {
	Name string         `yaml:"name"`
	Vars map[string]any `yaml:"vars,omitempty"`
	Tags []string       `yaml:"tags,omitempty"`
}

func (r *roleRefSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Name = node.Value
		return nil
	}
	type raw roleRefSpec
	var v raw
	if err := node.Decode(&v); err != nil {
		return err
	}
	*r = roleRefSpec(v)
	return nil
}

type roleSpec struct {
	Dependencies []roleRefSpec  `yaml:"dependencies,omitempty"`
	Defaults     map[string]any `yaml:"defaults,omitempty"`
	Vars         map[string]any `yaml:"vars,omitempty"`
	Tasks        []stepSpec     `yaml:"tasks,omitempty"`
	Handlers     []handlerSpec  `yaml:"handlers,omitempty"`
}

type playSpec struct {
	Name      string         `yaml:"name" validate:"required"`
	Hosts     string         `yaml:"hosts" validate:"required"`
	Strategy  string         `yaml:"strategy,omitempty" validate:"omitempty,oneof=linear free"`
	Serial    any            `yaml:"serial,omitempty"`
	Vars      map[string]any `yaml:"vars,omitempty"`
	Tags      []string       `yaml:"tags,omitempty"`
	PreTasks  []stepSpec     `yaml:"pre_tasks,omitempty"`
	Roles     []roleRefSpec  `yaml:"roles,omitempty"`
	Tasks     []stepSpec     `yaml:"tasks,omitempty"`
	PostTasks []stepSpec     `yaml:"post_tasks,omitempty"`
	Handlers  []handlerSpec  `yaml:"handlers,omitempty"`
}

type fileSpec struct {
	Plays []playSpec          `yaml:"plays"`
	Roles map[string]roleSpec `yaml:"roles,omitempty"`
}

// Load reads a playbook file. A bare YAML list is treated as the play list;
// a mapping may carry plays and roles.
func Load(path string) (*engine.Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read playbook %s", path), err)
	}
	pb, err := Parse(data)
	if err != nil {
		return nil, err
	}
	pb.Path = path
	return pb, nil
}

// Parse builds a playbook from YAML content.
func Parse(data []byte) (*engine.Playbook, error) {
	var file fileSpec

	var probe yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, engine.NewConfigError("invalid playbook YAML", err)
	}
	if len(probe.Content) > 0 && probe.Content[0].Kind == yaml.SequenceNode {
		if err := probe.Content[0].Decode(&file.Plays); err != nil {
			return nil, engine.NewConfigError("invalid playbook YAML", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, engine.NewConfigError("invalid playbook YAML", err)
		}
	}
	if len(file.Plays) == 0 {
		return nil, engine.NewConfigError("playbook defines no plays", nil)
	}

	sum := sha256.Sum256(data)
	pb := &engine.Playbook{
		Hash:  hex.EncodeToString(sum[:]),
		Roles: make(map[string]*engine.Role, len(file.Roles)),
	}

	for name, spec := range file.Roles {
		role, err := convertRole(name, spec)
		if err != nil {
			return nil, err
		}
		pb.Roles[name] = role
	}

	for i, spec := range file.Plays {
		play, err := convertPlay(spec)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("play %d (%s)", i+1, spec.Name), err)
		}
		pb.Plays = append(pb.Plays, *play)
	}
	return pb, nil
}

func convertPlay(spec playSpec) (*engine.Play, error) {
	if err := validate.Struct(&spec); err != nil {
		return nil, err
	}

	serial, err := convertSerial(spec.Serial)
	if err != nil {
		return nil, err
	}

	play := &engine.Play{
		Name:     spec.Name,
		Hosts:    spec.Hosts,
		Strategy: engine.Strategy(spec.Strategy),
		Serial:   serial,
		Vars:     spec.Vars,
		Tags:     spec.Tags,
	}
	if play.Strategy == "" {
		play.Strategy = engine.StrategyLinear
	}

	for _, ref := range spec.Roles {
		if ref.Name == "" {
			return nil, fmt.Errorf("role reference without a name")
		}
		play.Roles = append(play.Roles, engine.RoleRef{Name: ref.Name, Vars: ref.Vars, Tags: ref.Tags})
	}

	if play.PreTasks, err = convertSteps(spec.PreTasks); err != nil {
		return nil, err
	}
	if play.Tasks, err = convertSteps(spec.Tasks); err != nil {
		return nil, err
	}
	if play.PostTasks, err = convertSteps(spec.PostTasks); err != nil {
		return nil, err
	}
	for _, h := range spec.Handlers {
		if err := validate.Struct(&h); err != nil {
			return nil, err
		}
		play.Handlers = append(play.Handlers, engine.Handler{Name: h.Name, Module: h.Module, Args: h.Args})
	}
	return play, nil
}

func convertRole(name string, spec roleSpec) (*engine.Role, error) {
	role := &engine.Role{
		Name:     name,
		Defaults: spec.Defaults,
		Vars:     spec.Vars,
	}
	for _, dep := range spec.Dependencies {
		role.Dependencies = append(role.Dependencies, engine.RoleRef{Name: dep.Name, Vars: dep.Vars, Tags: dep.Tags})
	}
	var err error
	if role.Tasks, err = convertSteps(spec.Tasks); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("role %q", name), err)
	}
	for _, h := range spec.Handlers {
		role.Handlers = append(role.Handlers, engine.Handler{Name: h.Name, Module: h.Module, Args: h.Args})
	}
	return role, nil
}

func convertSteps(specs []stepSpec) ([]engine.Step, error) {
	var steps []engine.Step
	for _, spec := range specs {
		if len(spec.Block) > 0 {
			block := &engine.Block{
				Name: spec.Name,
				When: spec.When,
				Tags: spec.Tags,
			}
			var err error
			if block.Tasks, err = convertTasks(spec.Block); err != nil {
				return nil, err
			}
			if block.Rescue, err = convertTasks(spec.Rescue); err != nil {
				return nil, err
			}
			if block.Always, err = convertTasks(spec.Always); err != nil {
				return nil, err
			}
			steps = append(steps, engine.Step{Block: block})
			continue
		}
		task, err := convertTask(spec.taskSpec)
		if err != nil {
			return nil, err
		}
		steps = append(steps, engine.Step{Task: task})
	}
	return steps, nil
}

func convertTasks(specs []taskSpec) ([]engine.Task, error) {
	var tasks []engine.Task
	for _, spec := range specs {
		task, err := convertTask(spec)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

func convertTask(spec taskSpec) (*engine.Task, error) {
	if err := validate.Struct(&spec); err != nil {
		return nil, err
	}

	task := &engine.Task{
		ID:           spec.ID,
		Name:         spec.Name,
		Module:       spec.Module,
		Args:         spec.Args,
		When:         spec.When,
		Loop:         spec.Loop,
		LoopVar:      spec.LoopVar,
		Register:     spec.Register,
		FailWhen:     spec.FailWhen,
		ChangedWhen:  spec.ChangedWhen,
		Notify:       spec.Notify,
		Tags:         spec.Tags,
		DelegateTo:   spec.DelegateTo,
		Throttle:     spec.Throttle,
		IgnoreErrors: spec.IgnoreErrors,
		Sudo:         spec.Sudo,
		SudoUser:     spec.SudoUser,
		Vars:         spec.Vars,
	}

	if spec.Retry != nil {
		if err := validate.Struct(spec.Retry); err != nil {
			return nil, err
		}
		policy := &engine.RetryPolicy{
			Attempts:  spec.Retry.Attempts,
			Strategy:  engine.DelayStrategy(spec.Retry.Strategy),
			Jitter:    spec.Retry.Jitter,
			Until:     spec.Retry.Until,
			RetryWhen: spec.Retry.RetryWhen,
		}
		var err error
		if policy.Delay, err = parseDuration(spec.Retry.Delay, "retry.delay"); err != nil {
			return nil, err
		}
		if policy.Increment, err = parseDuration(spec.Retry.Increment, "retry.increment"); err != nil {
			return nil, err
		}
		if policy.MaxDelay, err = parseDuration(spec.Retry.MaxDelay, "retry.max_delay"); err != nil {
			return nil, err
		}
		task.Retry = policy
	}

	if spec.Breaker != nil {
		if err := validate.Struct(spec.Breaker); err != nil {
			return nil, err
		}
		reset, err := parseDuration(spec.Breaker.ResetTimeout, "breaker.reset_timeout")
		if err != nil {
			return nil, err
		}
		task.Breaker = &engine.BreakerConfig{
			FailureThreshold: spec.Breaker.FailureThreshold,
			SuccessThreshold: spec.Breaker.SuccessThreshold,
			ResetTimeout:     reset,
		}
	}

	if spec.Async != nil {
		if err := validate.Struct(spec.Async); err != nil {
			return nil, err
		}
		timeout, err := parseDuration(spec.Async.Timeout, "async.timeout")
		if err != nil {
			return nil, err
		}
		poll, err := parseDuration(spec.Async.Poll, "async.poll")
		if err != nil {
			return nil, err
		}
		task.Async = &engine.AsyncConfig{Timeout: timeout, Poll: poll}
	}
	return task, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}

// convertSerial accepts a scalar ("serial: 2"), a percentage string
// ("30%") or a list mixing both.
func convertSerial(raw any) ([]engine.SerialSize, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return []engine.SerialSize{{Count: v}}, nil
	case string:
		size, err := parsePercent(v)
		if err != nil {
			return nil, err
		}
		return []engine.SerialSize{size}, nil
	case []any:
		var sizes []engine.SerialSize
		for _, item := range v {
			switch entry := item.(type) {
			case int:
				sizes = append(sizes, engine.SerialSize{Count: entry})
			case string:
				size, err := parsePercent(entry)
				if err != nil {
					return nil, err
				}
				sizes = append(sizes, size)
			default:
				return nil, fmt.Errorf("serial entry %v: unsupported type %T", item, item)
			}
		}
		return sizes, nil
	default:
		return nil, fmt.Errorf("serial: unsupported type %T", raw)
	}
}

func parsePercent(s string) (engine.SerialSize, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return engine.SerialSize{Count: n}, nil
	}
	if rest, ok := strings.CutSuffix(s, "%"); ok {
		if pct, err := strconv.Atoi(rest); err == nil {
			return engine.SerialSize{Count: pct, Percent: true}, nil
		}
	}
	return engine.SerialSize{}, fmt.Errorf("serial entry %q: expected an integer or percentage", s)
}

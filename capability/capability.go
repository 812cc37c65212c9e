package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a capability variant on the wire and in storage.
type Kind string

const (
	KindHTTPConnection   Kind = "HTTP"
	KindSocketConnection Kind = "SOCKET_CONNECTION"
	KindProcessExecutor  Kind = "PROCESS_EXECUTOR"
	KindSystemEnv        Kind = "SYSTEM_ENV"
	KindSelector         Kind = "SELECTORS"
	KindAlwaysTrue       Kind = "ALWAYS_TRUE"
)

// EvaluationMode tells who can decide whether a delegate satisfies a capability.
type EvaluationMode int

const (
	// ManagerEvaluable capabilities are decided in process from delegate metadata.
	ManagerEvaluable EvaluationMode = iota
	// AgentEvaluable capabilities need a check executed by the delegate itself.
	AgentEvaluable
)

func (m EvaluationMode) String() string {
	switch m {
	case ManagerEvaluable:
		return "MANAGER"
	case AgentEvaluable:
		return "AGENT"
	default:
		return "UNKNOWN"
	}
}

// Capability is a provable precondition a delegate must satisfy to run a task.
// The set of variants is closed; switch over the concrete types below.
type Capability interface {
	Kind() Kind
	Describe() string
	sealed()
}

// HTTPConnection requires the delegate to reach an HTTP endpoint.
type HTTPConnection struct {
	URL string `json:"url"`
}

// SocketConnection requires a TCP connection to host:port.
type SocketConnection struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ProcessExecutor requires a binary to be present on the delegate.
type ProcessExecutor struct {
	Command string `json:"command"`
}

// SystemEnv requires an environment variable, optionally with a fixed value.
type SystemEnv struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Selector narrows eligible delegates to those carrying every listed tag.
type Selector struct {
	Selectors []string `json:"selectors"`
	Origin    string   `json:"origin,omitempty"`
}

// AlwaysTrue is satisfied by every delegate. Pinned tasks carry it.
type AlwaysTrue struct{}

func (HTTPConnection) Kind() Kind   { return KindHTTPConnection }
func (SocketConnection) Kind() Kind { return KindSocketConnection }
func (ProcessExecutor) Kind() Kind  { return KindProcessExecutor }
func (SystemEnv) Kind() Kind        { return KindSystemEnv }
func (Selector) Kind() Kind         { return KindSelector }
func (AlwaysTrue) Kind() Kind       { return KindAlwaysTrue }

func (c HTTPConnection) Describe() string { return c.URL }
func (c SocketConnection) Describe() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
func (c ProcessExecutor) Describe() string { return c.Command }
func (c SystemEnv) Describe() string {
	if c.Value == "" {
		return c.Key
	}
	return c.Key + "=" + c.Value
}
func (c Selector) Describe() string {
	return "selectors[" + strings.Join(c.normalized(), ",") + "]"
}
func (AlwaysTrue) Describe() string { return "always" }

func (HTTPConnection) sealed()   {}
func (SocketConnection) sealed() {}
func (ProcessExecutor) sealed()  {}
func (SystemEnv) sealed()        {}
func (Selector) sealed()         {}
func (AlwaysTrue) sealed()       {}

// Mode returns the evaluation mode of c.
func Mode(c Capability) EvaluationMode {
	switch c.(type) {
	case Selector, AlwaysTrue:
		return ManagerEvaluable
	case HTTPConnection, SocketConnection, ProcessExecutor, SystemEnv:
		return AgentEvaluable
	default:
		panic(fmt.Sprintf("capability: unhandled variant %T", c))
	}
}

// Partition splits capabilities by evaluation mode, preserving order.
func Partition(caps []Capability) (manager, agent []Capability) {
	for _, c := range caps {
		if Mode(c) == ManagerEvaluable {
			manager = append(manager, c)
		} else {
			agent = append(agent, c)
		}
	}
	return manager, agent
}

// HasAgentEvaluable reports whether any capability needs a delegate-side check.
func HasAgentEvaluable(caps []Capability) bool {
	for _, c := range caps {
		if Mode(c) == AgentEvaluable {
			return true
		}
	}
	return false
}

// EvaluateManager decides a manager-evaluable capability against delegate tags.
// It returns an error for agent-evaluable capabilities.
func EvaluateManager(c Capability, tags []string) (bool, error) {
	switch v := c.(type) {
	case AlwaysTrue:
		return true, nil
	case Selector:
		return v.MatchedBy(tags), nil
	case HTTPConnection, SocketConnection, ProcessExecutor, SystemEnv:
		return false, fmt.Errorf("capability %s must be evaluated by the delegate", c.Kind())
	default:
		panic(fmt.Sprintf("capability: unhandled variant %T", c))
	}
}

// MatchedBy reports whether tags contain every selector, case-insensitively.
func (c Selector) MatchedBy(tags []string) bool {
	have := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		have[normalizeTag(t)] = struct{}{}
	}
	for _, s := range c.normalized() {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

func (c Selector) normalized() []string {
	out := make([]string, 0, len(c.Selectors))
	seen := make(map[string]struct{}, len(c.Selectors))
	for _, s := range c.Selectors {
		n := normalizeTag(s)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizeTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SelectorFromTags converts task tags into a selector capability.
// It returns nil when no usable tag remains.
func SelectorFromTags(tags []string, origin string) Capability {
	sel := Selector{Selectors: tags, Origin: origin}
	if len(sel.normalized()) == 0 {
		return nil
	}
	return Selector{Selectors: sel.normalized(), Origin: origin}
}

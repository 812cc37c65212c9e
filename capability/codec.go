package capability

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// requirementNamespace scopes name-based requirement IDs.
var requirementNamespace = uuid.MustParse("5b0f7c3e-8d0a-4f43-9a52-6f1f0c9f2a11")

// Envelope is the tagged JSON form of a capability.
type Envelope struct {
	Type   Kind            `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Encode wraps c into its envelope.
func Encode(c Capability) (Envelope, error) {
	var params any = c
	if s, ok := c.(Selector); ok {
		params = Selector{Selectors: s.normalized(), Origin: s.Origin}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode capability %s: %w", c.Kind(), err)
	}
	return Envelope{Type: c.Kind(), Params: raw}, nil
}

// Decode unwraps an envelope into its concrete variant.
func Decode(env Envelope) (Capability, error) {
	params := env.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	switch env.Type {
	case KindHTTPConnection:
		var c HTTPConnection
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", env.Type, err)
		}
		if c.URL == "" {
			return nil, fmt.Errorf("%s capability requires url", env.Type)
		}
		return c, nil
	case KindSocketConnection:
		var c SocketConnection
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", env.Type, err)
		}
		if c.Host == "" || c.Port <= 0 {
			return nil, fmt.Errorf("%s capability requires host and port", env.Type)
		}
		return c, nil
	case KindProcessExecutor:
		var c ProcessExecutor
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", env.Type, err)
		}
		if c.Command == "" {
			return nil, fmt.Errorf("%s capability requires command", env.Type)
		}
		return c, nil
	case KindSystemEnv:
		var c SystemEnv
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", env.Type, err)
		}
		if c.Key == "" {
			return nil, fmt.Errorf("%s capability requires key", env.Type)
		}
		return c, nil
	case KindSelector:
		var c Selector
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", env.Type, err)
		}
		return c, nil
	case KindAlwaysTrue:
		return AlwaysTrue{}, nil
	default:
		return nil, fmt.Errorf("unknown capability type %q", env.Type)
	}
}

// List is a capability slice that serializes through envelopes.
type List []Capability

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	envs := make([]Envelope, 0, len(l))
	for _, c := range l {
		env, err := Encode(c)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *List) UnmarshalJSON(data []byte) error {
	var envs []Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	out := make(List, 0, len(envs))
	for _, env := range envs {
		c, err := Decode(env)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

// RequirementID derives the deduplicated requirement ID of c within an account.
// Equal capabilities always map to the same ID.
func RequirementID(accountID string, c Capability) string {
	env, err := Encode(c)
	if err != nil {
		// Variants are plain structs; encoding cannot fail for them.
		panic(err)
	}
	name := accountID + "|" + string(env.Type) + "|" + string(env.Params)
	return uuid.NewSHA1(requirementNamespace, []byte(name)).String()
}

// Verdict is the cached outcome of a capability check for one delegate.
type Verdict string

const (
	VerdictUnchecked Verdict = "UNCHECKED"
	VerdictAllowed   Verdict = "ALLOWED"
	VerdictDenied    Verdict = "DENIED"
)

// Result is one check outcome reported by a delegate.
type Result struct {
	Capability Capability `json:"-"`
	Validated  bool       `json:"validated"`
}

type resultJSON struct {
	Capability Envelope `json:"capability"`
	Validated  bool     `json:"validated"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	env, err := Encode(r.Capability)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resultJSON{Capability: env, Validated: r.Validated})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c, err := Decode(raw.Capability)
	if err != nil {
		return err
	}
	r.Capability = c
	r.Validated = raw.Validated
	return nil
}

// VerdictOf converts a check outcome into a cached verdict.
func (r Result) VerdictOf() Verdict {
	if r.Validated {
		return VerdictAllowed
	}
	return VerdictDenied
}

package world

import (
	"fmt"
	"strings"
)

// Op is one JSON-patch-style mutation. Paths are restricted to the
// whitelisted prefixes; anything else is a ForbiddenPathError.
type Op struct {
	Op    string `json:"op" mapstructure:"op"`
	Path  string `json:"path" mapstructure:"path"`
	Value any    `json:"value" mapstructure:"value"`
}

// Allowed op values.
const (
	OpSet    = "set"
	OpAppend = "append"
	OpRemove = "remove"
)

// ForbiddenPathError reports a mutation outside the whitelist.
type ForbiddenPathError struct {
	Path string
}

func (e *ForbiddenPathError) Error() string {
	return fmt.Sprintf("world: forbidden path %q", e.Path)
}

// ApplyOps mutates s in place. Callers hand it a working copy; durable
// storage is never touched here. The first failing op aborts and leaves s
// partially modified, so callers apply against a clone and discard on
// error.
func ApplyOps(s *State, ops []Op) error {
	for i, op := range ops {
		if err := applyOne(s, op); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	s.Normalize()
	return nil
}

func applyOne(s *State, op Op) error {
	switch {
	case op.Path == "project":
		return applyScalar(&s.Project, op)
	case op.Path == "topics":
		return applyList(&s.Topics, op)
	case op.Path == "goals":
		return applyList(&s.Goals, op)
	case op.Path == "rules":
		return applyList(&s.Rules, op)
	case strings.HasPrefix(op.Path, "identity."):
		field, err := identityField(s, strings.TrimPrefix(op.Path, "identity."))
		if err != nil {
			return err
		}
		return applyScalar(field, op)
	default:
		return &ForbiddenPathError{Path: op.Path}
	}
}

func identityField(s *State, name string) (*string, error) {
	switch name {
	case "user_name":
		return &s.Identity.UserName, nil
	case "session_user_name":
		return &s.Identity.SessionUserName, nil
	case "agent_name":
		return &s.Identity.AgentName, nil
	case "user_location":
		return &s.Identity.UserLocation, nil
	default:
		return nil, &ForbiddenPathError{Path: "identity." + name}
	}
}

func applyScalar(field *string, op Op) error {
	switch op.Op {
	case OpSet:
		v, err := asString(op.Value)
		if err != nil {
			return fmt.Errorf("path %s: %w", op.Path, err)
		}
		*field = v
		return nil
	case OpRemove:
		*field = ""
		return nil
	case OpAppend:
		return fmt.Errorf("path %s: append not supported on scalar", op.Path)
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func applyList(list *[]string, op Op) error {
	switch op.Op {
	case OpSet:
		vs, err := asStringList(op.Value)
		if err != nil {
			return fmt.Errorf("path %s: %w", op.Path, err)
		}
		*list = vs
		return nil
	case OpAppend:
		v, err := asString(op.Value)
		if err != nil {
			return fmt.Errorf("path %s: %w", op.Path, err)
		}
		*list = append(*list, v)
		return nil
	case OpRemove:
		// Remove without a value clears the list; with a value it removes
		// exact matches.
		if op.Value == nil {
			*list = []string{}
			return nil
		}
		v, err := asString(op.Value)
		if err != nil {
			return fmt.Errorf("path %s: %w", op.Path, err)
		}
		out := (*list)[:0]
		for _, item := range *list {
			if item != v {
				out = append(out, item)
			}
		}
		*list = out
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("value must be a string, got %T", v)
	}
	return s, nil
}

func asStringList(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...), nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("value must be a list of strings, got element %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a list of strings, got %T", v)
	}
}

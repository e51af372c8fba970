package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"annostore/internal/task"
	"annostore/internal/upstream/store"
)

// ErrNoProgress is returned when a finalize reply after the first does not
// shrink the set of outstanding parameters.
var ErrNoProgress = errors.New("upload: parameter negotiation made no progress")

// Parameter describes one value the store wants before it will finalize.
type Parameter struct {
	Name           string `json:"name"`
	Label          string `json:"label,omitempty"`
	Hint           string `json:"hint,omitempty"`
	Type           string `json:"type,omitempty"`
	Required       bool   `json:"required"`
	Value          any    `json:"value,omitempty"`
	PossibleValues []any  `json:"possibleValues,omitempty"`
}

// DefaultValue renders the server-suggested value, or "" when there is none.
func (p Parameter) DefaultValue() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Session is a staged upload waiting for its parameters.
type Session struct {
	ID         string      `json:"id"`
	Parameters []Parameter `json:"parameters"`
}

// Files is what one upload sends: the transcript file(s) and optional media
// keyed by track suffix ("" for the main track).
type Files struct {
	Transcripts []store.File
	Media       map[string][]store.File
}

func (f Files) primaryName() string {
	if len(f.Transcripts) == 0 {
		return ""
	}
	primary := f.Transcripts[0]
	if primary.Name == "" && primary.Source != nil {
		return primary.Source.Name()
	}
	return primary.Name
}

func (f Files) validate() error {
	if len(f.Transcripts) == 0 {
		return errors.New("upload: at least one transcript file is required")
	}
	for _, file := range f.Transcripts {
		if file.Source == nil {
			return fmt.Errorf("upload: transcript %q has no content", file.Name)
		}
	}
	return nil
}

// Result is what a successful finalize yields: one task id, or a task id per
// uploaded item.
type Result struct {
	TaskID  string
	TaskIDs map[string]string
}

// ByName returns the item-to-task map, keying a single task id by name.
func (r Result) ByName(name string) map[string]string {
	out := make(map[string]string, len(r.TaskIDs)+1)
	for k, v := range r.TaskIDs {
		out[k] = v
	}
	if r.TaskID != "" {
		out[name] = r.TaskID
	}
	return out
}

// Handles wraps every task id in a task.Handle, keyed the same way as ByName.
func (r Result) Handles(client task.Sender, name string, opts ...task.Option) map[string]*task.Handle {
	handles := make(map[string]*task.Handle, len(r.TaskIDs)+1)
	for item, id := range r.ByName(name) {
		handles[item] = task.New(client, id, opts...)
	}
	return handles
}

// UnresolvedError lists required parameters nobody could supply a value for.
type UnresolvedError struct {
	SessionID string
	Missing   []Parameter
}

func (e *UnresolvedError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, p := range e.Missing {
		names = append(names, p.Name)
	}
	return fmt.Sprintf("upload: session %s: no value for required parameter(s) %s", e.SessionID, strings.Join(names, ", "))
}

// ParameterResolver supplies a value for a parameter the caller did not set.
// ok=false leaves it unset.
type ParameterResolver func(p Parameter) (value string, ok bool)

type outcome struct {
	parameters []Parameter
	result     Result
}

// parseOutcome interprets a finalize or legacy result: a bare task id, an
// object naming one task, a map of item names to task ids, or a further
// parameter request.
func parseOutcome(raw json.RawMessage) (outcome, error) {
	if len(raw) == 0 {
		return outcome{}, errors.New("upload: empty result")
	}
	var id task.ID
	if raw[0] != '{' {
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			return outcome{}, fmt.Errorf("upload: unexpected result %s", truncate(raw))
		}
		return outcome{result: Result{TaskID: string(id)}}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return outcome{}, fmt.Errorf("upload: decode result: %w", err)
	}
	if params, ok := fields["parameters"]; ok {
		var list []Parameter
		if err := json.Unmarshal(params, &list); err != nil {
			return outcome{}, fmt.Errorf("upload: decode parameters: %w", err)
		}
		if len(list) > 0 {
			return outcome{parameters: list}, nil
		}
	}
	for _, key := range []string{"transcripts", "tasks"} {
		if nested, ok := fields[key]; ok {
			ids, err := decodeTaskMap(nested)
			if err != nil {
				return outcome{}, err
			}
			return outcome{result: Result{TaskIDs: ids}}, nil
		}
	}
	for _, key := range []string{"threadId", "taskId"} {
		if single, ok := fields[key]; ok {
			if err := json.Unmarshal(single, &id); err != nil || id == "" {
				return outcome{}, fmt.Errorf("upload: invalid %s %s", key, truncate(single))
			}
			return outcome{result: Result{TaskID: string(id)}}, nil
		}
	}
	ids, err := decodeTaskMap(raw)
	if err != nil || len(ids) == 0 {
		return outcome{}, fmt.Errorf("upload: unexpected result %s", truncate(raw))
	}
	return outcome{result: Result{TaskIDs: ids}}, nil
}

func decodeTaskMap(raw json.RawMessage) (map[string]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("upload: decode task map: %w", err)
	}
	ids := make(map[string]string, len(fields))
	for name, value := range fields {
		if name == "id" || name == "parameters" {
			continue
		}
		var id task.ID
		if err := json.Unmarshal(value, &id); err != nil {
			return nil, fmt.Errorf("upload: task id for %q: %w", name, err)
		}
		if id != "" {
			ids[name] = string(id)
		}
	}
	return ids, nil
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= 256 {
		return s
	}
	return s[:256] + "..."
}

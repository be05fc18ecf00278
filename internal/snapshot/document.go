package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// HooksKey is the top-level settings key holding hook wiring.
const HooksKey = "hooks"

// hookURLPattern matches the loopback hook listener endpoint embedded in
// injected shell commands.
var hookURLPattern = regexp.MustCompile(`https?://(?:127\.0\.0\.1|localhost|\[::1\]):\d+/hook(?:/|\?|\b)`)

// commandFields are the keys a hook entry may carry its shell command in.
// Claude-style entries use "command", Copilot-style entries use "bash".
var commandFields = []string{"command", "bash"}

// scaffoldKeys are top-level keys a hooks file carries for format reasons only.
var scaffoldKeys = map[string]bool{"version": true}

// IsClubhouseHookEntry reports whether a hook-list entry was injected by
// this daemon. A matcher group counts only when every nested hook is ours.
func IsClubhouseHookEntry(entry any) bool {
	m, ok := entry.(map[string]any)
	if !ok {
		return false
	}
	for _, field := range commandFields {
		if cmd, ok := m[field].(string); ok && hookURLPattern.MatchString(cmd) {
			return true
		}
	}
	nested, ok := m[HooksKey].([]any)
	if !ok || len(nested) == 0 {
		return false
	}
	for _, n := range nested {
		if !IsClubhouseHookEntry(n) {
			return false
		}
	}
	return true
}

// stripEntries removes injected entries from one event's hook list. Matcher
// groups mixing user and injected hooks keep only the user hooks.
func stripEntries(list []any) ([]any, bool) {
	out := make([]any, 0, len(list))
	changed := false
	for _, entry := range list {
		if IsClubhouseHookEntry(entry) {
			changed = true
			continue
		}
		if group, ok := entry.(map[string]any); ok {
			if nested, ok := group[HooksKey].([]any); ok {
				kept, nestedChanged := stripEntries(nested)
				if nestedChanged {
					changed = true
					copied := make(map[string]any, len(group))
					for k, v := range group {
						copied[k] = v
					}
					copied[HooksKey] = kept
					out = append(out, copied)
					continue
				}
			}
		}
		out = append(out, entry)
	}
	return out, changed
}

// StripClubhouseHooks returns a copy of doc with every injected hook entry
// removed. Event lists and the hooks key itself are dropped only when
// stripping emptied them. All other keys are returned untouched.
func StripClubhouseHooks(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	hooks, ok := doc[HooksKey].(map[string]any)
	if !ok {
		return out
	}

	stripped := make(map[string]any, len(hooks))
	changed := false
	for event, v := range hooks {
		list, ok := v.([]any)
		if !ok {
			stripped[event] = v
			continue
		}
		kept, listChanged := stripEntries(list)
		if listChanged {
			changed = true
			if len(kept) == 0 {
				continue
			}
		}
		stripped[event] = kept
	}

	if changed && len(stripped) == 0 {
		delete(out, HooksKey)
	} else {
		out[HooksKey] = stripped
	}
	return out
}

// KeepOriginalHookKeys puts back the hooks object and any event lists that
// original held but stripping removed, so lists the user left empty survive
// an inject and restore cycle. stripped is modified and returned.
func KeepOriginalHookKeys(stripped, original map[string]any) map[string]any {
	origHooks, ok := original[HooksKey].(map[string]any)
	if !ok {
		return stripped
	}
	if _, present := stripped[HooksKey]; !present {
		stripped[HooksKey] = map[string]any{}
	}
	hooks, ok := stripped[HooksKey].(map[string]any)
	if !ok {
		return stripped
	}
	for event, v := range origHooks {
		if _, isList := v.([]any); !isList {
			continue
		}
		if _, present := hooks[event]; !present {
			hooks[event] = []any{}
		}
	}
	return stripped
}

// MergeHooks strips any previously injected entries from doc and appends the
// given entries per event. Keys other than hooks (e.g. permissions) are kept.
func MergeHooks(doc map[string]any, injected map[string][]any) map[string]any {
	out := StripClubhouseHooks(doc)

	hooks, ok := out[HooksKey].(map[string]any)
	if !ok {
		hooks = make(map[string]any, len(injected))
	} else {
		copied := make(map[string]any, len(hooks)+len(injected))
		for k, v := range hooks {
			copied[k] = v
		}
		hooks = copied
	}

	for event, entries := range injected {
		existing, _ := hooks[event].([]any)
		merged := make([]any, 0, len(existing)+len(entries))
		merged = append(merged, existing...)
		merged = append(merged, entries...)
		hooks[event] = merged
	}

	out[HooksKey] = hooks
	return out
}

// IsEmptyDocument reports whether nothing a user would want to keep remains.
func IsEmptyDocument(doc map[string]any) bool {
	for k := range doc {
		if !scaffoldKeys[k] {
			return false
		}
	}
	return true
}

// ParseDocument decodes a settings file body. Only JSON objects are accepted.
func ParseDocument(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("settings is not a JSON object")
	}
	return doc, nil
}

// ReadDocument reads and parses a settings file. A missing file yields an
// error satisfying os.IsNotExist.
func ReadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

// WriteDocument writes doc as pretty JSON, creating parent directories.
func WriteDocument(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

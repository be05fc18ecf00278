package agent

import (
	"fmt"
	"os"

	"github.com/sevir/clubhoused/internal/snapshot"
)

// hookTimeoutSec bounds a single callback for CLIs that enforce hook timeouts.
const hookTimeoutSec = 10

// HookCommand returns the shell snippet a CLI runs for one hook event. It
// pipes the event payload to the listener and never fails the tool call.
func HookCommand(hookURL, event string) string {
	return fmt.Sprintf(
		`cat | curl -s -X POST "%s/${%s}?event=%s" -H 'Content-Type: application/json' -H "X-Clubhouse-Nonce: ${%s}" --data-binary @- || true`,
		hookURL, EnvAgentID, event, EnvHookNonce,
	)
}

// mergeHooksFile injects entries into the JSON settings file at path. Keys in
// scaffold are set only when absent. A file that exists but does not parse is
// left untouched and reported.
func mergeHooksFile(path string, injected map[string][]any, scaffold map[string]any) error {
	doc, err := snapshot.ReadDocument(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		doc = map[string]any{}
	default:
		return fmt.Errorf("failed to read hooks config %s: %w", path, err)
	}

	merged := snapshot.MergeHooks(doc, injected)
	for k, v := range scaffold {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	return snapshot.WriteDocument(path, merged)
}

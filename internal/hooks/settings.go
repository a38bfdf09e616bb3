// Package hooks manages the daemon's Notification hook entry in the agent's
// settings file. The hook makes terminal sessions POST their notifications
// to the daemon, which is how permission prompts raised outside a spawned
// child become visible.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hookPathMarker identifies our hook command inside the settings file, so
// register and unregister stay idempotent across daemon restarts and
// endpoint changes.
const hookPathMarker = "/api/claude-hook"

// notificationEvent is the settings key the agent fires on notifications.
const notificationEvent = "Notification"

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookMatcher struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []hookCommand `json:"hooks"`
}

// Command returns the shell command the agent runs on a notification. The
// agent writes the notification JSON to the command's stdin; curl forwards
// it to the daemon verbatim.
func Command(baseURL, token string) string {
	return fmt.Sprintf(
		"curl -s -m 5 -X POST -H 'Content-Type: application/json' -H 'Authorization: Bearer %s' --data-binary @- %s%s",
		token, baseURL, hookPathMarker)
}

// Register installs the daemon's Notification hook into the settings file,
// replacing any stale entry from a previous run. Unrelated settings and
// hooks are preserved.
func Register(settingsFile, baseURL, token string) error {
	root, hooksSection, matchers, err := load(settingsFile)
	if err != nil {
		return err
	}

	matchers = withoutOurs(matchers)
	matchers = append(matchers, hookMatcher{
		Hooks: []hookCommand{{Type: "command", Command: Command(baseURL, token)}},
	})

	return save(settingsFile, root, hooksSection, matchers)
}

// Unregister removes the daemon's hook from the settings file. A missing
// file or absent entry is a no-op.
func Unregister(settingsFile string) error {
	if _, err := os.Stat(settingsFile); os.IsNotExist(err) {
		return nil
	}

	root, hooksSection, matchers, err := load(settingsFile)
	if err != nil {
		return err
	}

	return save(settingsFile, root, hooksSection, withoutOurs(matchers))
}

func withoutOurs(matchers []hookMatcher) []hookMatcher {
	kept := make([]hookMatcher, 0, len(matchers))
	for _, m := range matchers {
		cmds := make([]hookCommand, 0, len(m.Hooks))
		for _, h := range m.Hooks {
			if !strings.Contains(h.Command, hookPathMarker) {
				cmds = append(cmds, h)
			}
		}
		if len(cmds) > 0 {
			m.Hooks = cmds
			kept = append(kept, m)
		}
	}
	return kept
}

// load parses the settings file into three layers: the top-level object,
// the hooks section, and the Notification matcher list. Raw JSON is kept at
// every level so fields this package does not know about survive rewrites.
func load(settingsFile string) (root, hooksSection map[string]json.RawMessage, matchers []hookMatcher, err error) {
	root = map[string]json.RawMessage{}
	hooksSection = map[string]json.RawMessage{}

	data, err := os.ReadFile(settingsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return root, hooksSection, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}
	if raw, ok := root["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooksSection); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse hooks section: %w", err)
		}
	}
	if raw, ok := hooksSection[notificationEvent]; ok {
		if err := json.Unmarshal(raw, &matchers); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse notification hooks: %w", err)
		}
	}
	return root, hooksSection, matchers, nil
}

func save(settingsFile string, root, hooksSection map[string]json.RawMessage, matchers []hookMatcher) error {
	if len(matchers) > 0 {
		raw, err := json.Marshal(matchers)
		if err != nil {
			return err
		}
		hooksSection[notificationEvent] = raw
	} else {
		delete(hooksSection, notificationEvent)
	}

	if len(hooksSection) > 0 {
		raw, err := json.Marshal(hooksSection)
		if err != nil {
			return err
		}
		root["hooks"] = raw
	} else {
		delete(root, "hooks")
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(settingsFile), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(settingsFile, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

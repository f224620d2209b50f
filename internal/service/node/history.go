package node

import (
	"fmt"
)

const UndecryptableLine = "[Undecryptable message from partner]"

// History returns the local log as display lines framed by a header and
// a footer.
func (n *Node) History() ([]string, error) {
	entries, err := n.engine.History()
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(entries)+2)
	lines = append(lines, fmt.Sprintf("--- Chat History for '%s' ---", n.cfg.ChatCode))
	for _, e := range entries {
		if !e.OK {
			lines = append(lines, UndecryptableLine)
			continue
		}
		lines = append(lines, e.Line)
	}
	lines = append(lines, "--- End of History ---")
	return lines, nil
}

package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DoomLoopThreshold is the number of identical consecutive calls that
// counts as a loop.
const DoomLoopThreshold = 3

const doomLoopHistory = 10

// DoomLoopDetector tracks repeated tool calls per key (a turn or session).
type DoomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string
}

// NewDoomLoopDetector creates an empty detector.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{history: make(map[string][]string)}
}

// Check records the call and reports whether it is the DoomLoopThreshold-th
// identical call in a row for key.
func (d *DoomLoopDetector) Check(key, toolName string, input json.RawMessage) bool {
	hash := hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history[key]
	loop := len(history) >= DoomLoopThreshold-1
	if loop {
		for _, h := range history[len(history)-(DoomLoopThreshold-1):] {
			if h != hash {
				loop = false
				break
			}
		}
	}

	history = append(history, hash)
	if len(history) > doomLoopHistory {
		history = history[len(history)-doomLoopHistory:]
	}
	d.history[key] = history
	return loop
}

// Clear forgets the history of key.
func (d *DoomLoopDetector) Clear(key string) {
	d.mu.Lock()
	delete(d.history, key)
	d.mu.Unlock()
}

func hashCall(toolName string, input json.RawMessage) string {
	var normalized any
	if len(input) > 0 {
		// Re-encode so key order and whitespace do not matter.
		if err := json.Unmarshal(input, &normalized); err != nil {
			normalized = string(input)
		}
	}
	data, _ := json.Marshal(map[string]any{
		"tool":  toolName,
		"input": normalized,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

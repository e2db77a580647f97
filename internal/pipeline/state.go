package pipeline

import "fmt"

// State is a stage of entry processing.
type State int

const (
	StateFetching State = iota
	StateExtracting
	StateChunking
	StateLanguageDetecting
	StatePersisting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateFetching:          "fetching",
	StateExtracting:        "extracting",
	StateChunking:          "chunking",
	StateLanguageDetecting: "language-detecting",
	StatePersisting:        "persisting",
	StateDone:              "done",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

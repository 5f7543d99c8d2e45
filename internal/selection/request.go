package selection

import (
	"fmt"
)

// Kinds accepted in a Request.
const (
	KindWholeManga  = "whole_manga"
	KindWholeBranch = "whole_branch"
	KindFirst       = "first_chapters"
	KindUnread      = "unread_chapters"
)

// Request is the wire form of a macro as accepted by the API and CLI.
type Request struct {
	Type   string `json:"type"`
	Branch string `json:"branch,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// Build turns a request into a Macro. current is only consulted by the
// unread macro and may be nil.
func (r Request) Build(current map[int64]int64) (Macro, error) {
	switch r.Type {
	case "", KindWholeManga:
		return WholeManga{}, nil
	case KindWholeBranch:
		return WholeBranch{Branch: r.Branch}, nil
	case KindFirst:
		if r.Count <= 0 {
			return nil, fmt.Errorf("count must be positive, got %d", r.Count)
		}
		return FirstChapters{Count: r.Count, Branch: r.Branch}, nil
	case KindUnread:
		if r.Count <= 0 {
			return nil, fmt.Errorf("count must be positive, got %d", r.Count)
		}
		return UnreadChapters{Count: r.Count, CurrentChapters: current}, nil
	default:
		return nil, fmt.Errorf("unknown selection type %q", r.Type)
	}
}

package delivery

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// DefaultDedupWindow is the number of envelope ids remembered per connection.
const DefaultDedupWindow = 1024

// dedupWindow remembers the most recent envelopes delivered to one
// connection. Client message ids are only unique per sender, so entries are
// keyed on the sender and the id together.
type dedupWindow struct {
	ids *lru.Cache[string, struct{}]
}

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	// lru.New only fails for a non-positive size.
	ids, _ := lru.New[string, struct{}](size)
	return &dedupWindow{ids: ids}
}

func dedupKey(env envelope.Envelope) string {
	return env.SenderID + "\x00" + env.ID
}

func (d *dedupWindow) seen(env envelope.Envelope) bool {
	return d.ids.Contains(dedupKey(env))
}

func (d *dedupWindow) mark(env envelope.Envelope) {
	d.ids.Add(dedupKey(env), struct{}{})
}

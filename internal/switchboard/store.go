package switchboard

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/cklxx/orchestrate/internal/filestore"
)

// inboxDoc is the on-disk envelope: {inboxes: {agent-name: [msg,...]},
// savedAt}.
type inboxDoc struct {
	Inboxes map[string][]Message `json:"inboxes"`
	SavedAt time.Time            `json:"savedAt"`
}

// Store owns every agent's inbox, persisted as a single JSON file via
// filestore.Collection with a custom envelope, so inboxes survive a
// daemon restart.
type Store struct {
	coll *filestore.Collection[string, []Message]
}

// NewStore returns a Store backed by path. Call Load to populate it from
// disk before serving requests.
func NewStore(path string) *Store {
	coll := filestore.NewCollection[string, []Message](filestore.CollectionConfig{
		FilePath: path,
		Name:     "switchboard-inboxes",
	})
	coll.SetMarshalDoc(func(m map[string][]Message) ([]byte, error) {
		return filestore.MarshalJSONIndent(inboxDoc{Inboxes: m, SavedAt: time.Now().UTC()})
	})
	coll.SetUnmarshalDoc(func(data []byte) (map[string][]Message, error) {
		var doc inboxDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc.Inboxes == nil {
			return map[string][]Message{}, nil
		}
		return doc.Inboxes, nil
	})
	return &Store{coll: coll}
}

// Load reads the backing file, if any.
func (s *Store) Load() error {
	return s.coll.Load()
}

// Emit appends msg to its recipient's inbox, keeping the inbox sorted by
// priority then insertion order, and persists.
func (s *Store) Emit(msg Message) error {
	return s.coll.Mutate(func(items map[string][]Message) error {
		items[msg.To] = append(items[msg.To], msg)
		sortInbox(items[msg.To])
		return nil
	})
}

// Pull returns up to limit messages from agent's inbox without removing
// them. limit <= 0 means unbounded.
func (s *Store) Pull(agent string, limit int) []Message {
	var out []Message
	s.coll.ReadLocked(func(items map[string][]Message) {
		msgs := items[agent]
		n := len(msgs)
		if limit > 0 && limit < n {
			n = limit
		}
		out = append(out, msgs[:n]...)
	})
	return out
}

// Ack removes one message from agent's inbox by id and returns it, so the
// caller can notify its original sender. found is false if no such
// message existed.
func (s *Store) Ack(agent, id string) (removed Message, found bool, err error) {
	err = s.coll.Mutate(func(items map[string][]Message) error {
		msgs := items[agent]
		for i, m := range msgs {
			if m.ID == id {
				items[agent] = append(msgs[:i:i], msgs[i+1:]...)
				removed = m
				found = true
				return nil
			}
		}
		return nil
	})
	return removed, found, err
}

// Purge removes every message from agent's inbox and persists.
func (s *Store) Purge(agent string) error {
	return s.coll.Mutate(func(items map[string][]Message) error {
		delete(items, agent)
		return nil
	})
}

// InboxLen returns the number of undelivered messages for agent.
func (s *Store) InboxLen(agent string) int {
	var n int
	s.coll.ReadLocked(func(items map[string][]Message) { n = len(items[agent]) })
	return n
}

// InboxCount returns the number of inboxes the store currently tracks.
func (s *Store) InboxCount() int {
	var n int
	s.coll.ReadLocked(func(items map[string][]Message) { n = len(items) })
	return n
}

// TotalUndelivered sums InboxLen across every known agent, for /health and
// the undelivered-message gauge.
func (s *Store) TotalUndelivered() int {
	var total int
	s.coll.ReadLocked(func(items map[string][]Message) {
		for _, msgs := range items {
			total += len(msgs)
		}
	})
	return total
}

func sortInbox(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		pi, pj := msgs[i].Priority.rank(), msgs[j].Priority.rank()
		if pi != pj {
			return pi < pj
		}
		return msgs[i].ID < msgs[j].ID
	})
}

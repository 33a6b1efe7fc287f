package targets

import (
	"maps"
	"strconv"

	"autochat/internal/transport"
)

// Counter counts picks per name.
type Counter struct {
	Count int            `json:"count"`
	Names map[string]int `json:"names"`
}

func (c *Counter) add(name string) {
	if c.Names == nil {
		c.Names = map[string]int{}
	}
	c.Count++
	c.Names[name]++
}

func (c Counter) clone() Counter {
	return Counter{Count: c.Count, Names: maps.Clone(c.Names)}
}

// Stats are targeting counters since process start.
type Stats struct {
	Picks  int                `json:"picks"`
	Misses int                `json:"misses"`
	ByType map[string]Counter `json:"by_type"`
	// Users counts direct-message partners, Guilds counts supergroups.
	Users  Counter `json:"users"`
	Guilds Counter `json:"guilds"`

	TrackedChats int                   `json:"tracked_chats"`
	ActiveChats  int                   `json:"active_chats"`
	NextChat     *transport.ChatTarget `json:"next_chat,omitempty"`
}

func newStats() Stats {
	return Stats{ByType: map[string]Counter{
		transport.ChatGuild: {},
		transport.ChatDM:    {},
		transport.ChatGroup: {},
	}}
}

func (s *Stats) record(t transport.ChatTarget) {
	name := t.Title
	if name == "" {
		name = strconv.FormatInt(t.ChatID, 10)
	}
	s.Picks++
	c := s.ByType[t.Type]
	c.add(name)
	s.ByType[t.Type] = c
	switch t.Type {
	case transport.ChatDM:
		s.Users.add(name)
	case transport.ChatGuild:
		s.Guilds.add(name)
	}
}

func (s Stats) clone() Stats {
	out := s
	out.ByType = make(map[string]Counter, len(s.ByType))
	for k, v := range s.ByType {
		out.ByType[k] = v.clone()
	}
	out.Users = s.Users.clone()
	out.Guilds = s.Guilds.clone()
	out.NextChat = nil
	return out
}

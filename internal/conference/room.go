package conference

import (
	"sync"
	"time"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// Room is a named group of participants sharing one media pipeline.
//
// Two locks guard a room. ops serializes multi-step sequences (join,
// lookup-or-create of an incoming endpoint, leave), including the engine calls
// inside them. mu guards the participant map, the endpoint maps of every
// member, the candidate queue and the apply lines; it is held only for short
// sections. Candidates are applied outside mu, in per-key order, through the
// key's apply line.
type Room struct {
	Name      string
	CreatedAt time.Time

	pipeline engine.Pipeline

	ops    sync.Mutex
	closed bool

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
	queue        *IceQueue
	lines        map[QueueKey]*applyLine
}

func newRoom(name string, pipeline engine.Pipeline) *Room {
	return &Room{
		Name:         name,
		CreatedAt:    time.Now(),
		pipeline:     pipeline,
		participants: make(map[string]*Participant),
		queue:        NewIceQueue(),
		lines:        make(map[QueueKey]*applyLine),
	}
}

// Len returns the number of participants.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Users lists the participants in join order.
func (r *Room) Users() []UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

// Participant looks up a member by id.
func (r *Room) Participant(id string) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

// Pending reports how many candidates are queued under key.
func (r *Room) Pending(key QueueKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len(key)
}

func (r *Room) usersLocked() []UserInfo {
	users := make([]UserInfo, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.participants[id].Info())
	}
	return users
}

func (r *Room) othersLocked(id string) []*Participant {
	others := make([]*Participant, 0, len(r.order))
	for _, pid := range r.order {
		if pid != id {
			others = append(others, r.participants[pid])
		}
	}
	return others
}

func (r *Room) addLocked(p *Participant) {
	r.participants[p.ID] = p
	r.order = append(r.order, p.ID)
}

func (r *Room) removeLocked(id string) bool {
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Room) lineLocked(key QueueKey) *applyLine {
	l, ok := r.lines[key]
	if !ok {
		l = newApplyLine()
		r.lines[key] = l
	}
	return l
}

func (r *Room) forgetLinesLocked(id string) {
	for key := range r.lines {
		if key.Target == id || key.Viewer == id {
			delete(r.lines, key)
		}
	}
}

// Package server coordinates membership and message fan-out for the chat via
// the Registry type.
package server

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// ErrUsernameTaken is returned by Admit when another member already uses the
// requested name (compared case-insensitively).
var ErrUsernameTaken = errors.New("username already taken")

type member struct {
	peer     Peer
	username string
}

type shard struct {
	mu      sync.Mutex
	members map[uint64]member
}

// Registry is the set of logged-in connections. Membership is spread over
// shards chosen by hashing the connection ID. Join and Leave lock a single
// shard; Broadcast, Admit and Usernames lock every shard in index order, so
// each broadcast observes one consistent membership snapshot and never
// interleaves with a half-applied join or leave.
//
// Peers' Send is called with the locks held and must only enqueue.
type Registry struct {
	shards []*shard
}

// NewRegistry creates a registry with the given number of shards (minimum 1).
func NewRegistry(shards int) *Registry {
	if shards < 1 {
		shards = 1
	}
	r := &Registry{shards: make([]*shard, shards)}
	for i := range r.shards {
		r.shards[i] = &shard{members: make(map[uint64]member)}
	}
	return r
}

func (r *Registry) shardFor(id uint64) *shard {
	if len(r.shards) == 1 {
		return r.shards[0]
	}
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], id)
	return r.shards[xxhash.Sum64(key[:])%uint64(len(r.shards))]
}

func (r *Registry) lockAll() {
	for _, s := range r.shards {
		s.mu.Lock()
	}
}

func (r *Registry) unlockAll() {
	for i := len(r.shards) - 1; i >= 0; i-- {
		r.shards[i].mu.Unlock()
	}
}

// Join inserts peer under username. Joining twice with the same ID
// overwrites the previous entry.
func (r *Registry) Join(peer Peer, username string) {
	s := r.shardFor(peer.ID())
	s.mu.Lock()
	s.members[peer.ID()] = member{peer: peer, username: username}
	s.mu.Unlock()
}

// Leave removes the member with the given ID. It returns the member's
// username and whether it was present; leaving twice is a no-op.
func (r *Registry) Leave(id uint64) (string, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return "", false
	}
	delete(s.members, id)
	return m.username, true
}

// Broadcast sends msg to every member and returns how many received it.
func (r *Registry) Broadcast(msg *protocol.Message) int {
	r.lockAll()
	defer r.unlockAll()
	return r.fanOutLocked(msg)
}

func (r *Registry) fanOutLocked(msg *protocol.Message) int {
	n := 0
	for _, s := range r.shards {
		for _, m := range s.members {
			m.peer.Send(msg)
			n++
		}
	}
	return n
}

// Admit completes a login as one atomic step: it rejects a taken username,
// sends the login ack and the current user list to peer, announces the new
// user to the existing members, and finally inserts peer. It returns the
// number of members that received the join notice.
func (r *Registry) Admit(peer Peer, username string) (int, error) {
	r.lockAll()
	defer r.unlockAll()

	users := make([]string, 0, r.lenLocked()+1)
	for _, s := range r.shards {
		for id, m := range s.members {
			if id == peer.ID() {
				continue
			}
			if strings.EqualFold(m.username, username) {
				return 0, ErrUsernameTaken
			}
			users = append(users, m.username)
		}
	}
	users = append(users, username)
	sort.Strings(users)

	peer.Send(protocol.NewLoginAck(true, ""))
	peer.Send(protocol.NewUserList(users))
	notified := r.fanOutLocked(protocol.NewUserJoined(username))

	r.shardFor(peer.ID()).members[peer.ID()] = member{peer: peer, username: username}
	return notified, nil
}

// Usernames returns the sorted names of all members.
func (r *Registry) Usernames() []string {
	r.lockAll()
	defer r.unlockAll()

	users := make([]string, 0, r.lenLocked())
	for _, s := range r.shards {
		for _, m := range s.members {
			users = append(users, m.username)
		}
	}
	sort.Strings(users)
	return users
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.lockAll()
	defer r.unlockAll()
	return r.lenLocked()
}

func (r *Registry) lenLocked() int {
	n := 0
	for _, s := range r.shards {
		n += len(s.members)
	}
	return n
}

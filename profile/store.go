package profile

import (
	"sort"
	"sync"
	"time"
)

// Identifiers holds the unprefixed identifier sets observed for a profile.
type Identifiers struct {
	UserIDs      []string `json:"userIds"`
	Emails       []string `json:"emails"`
	AnonymousIDs []string `json:"anonymousIds"`
}

// Profile is a read-only snapshot of a unified customer profile. All maps
// and slices are copies; callers may retain them freely.
type Profile struct {
	ProfileID   string                 `json:"profileId"`
	Identifiers Identifiers            `json:"identifiers"`
	Traits      map[string]interface{} `json:"traits"`
	Counters    map[string]int64       `json:"counters"`
	Segments    []string               `json:"segments"`
	LastSeen    time.Time              `json:"lastSeen"`
}

// record is the mutable per-profile state. Trait writes are guarded by the
// per-key timestamp map: a write is applied when its event timestamp is
// greater than or equal to the stored one (last write wins, ties accept the
// newer call).
type record struct {
	userIDs   map[string]struct{}
	emails    map[string]struct{}
	anonIDs   map[string]struct{}
	traits    map[string]interface{}
	traitTS   map[string]time.Time
	counters  map[string]int64
	segments  map[string]struct{}
	lastSeen  time.Time
}

func newRecord() *record {
	return &record{
		userIDs:  make(map[string]struct{}),
		emails:   make(map[string]struct{}),
		anonIDs:  make(map[string]struct{}),
		traits:   make(map[string]interface{}),
		traitTS:  make(map[string]time.Time),
		counters: make(map[string]int64),
		segments: make(map[string]struct{}),
	}
}

// Store holds profiles by canonical ID. The pipeline's handler is the sole
// mutator; reads return snapshot copies.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*record
}

// NewStore creates an empty profile store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]*record)}
}

// GetOrCreate installs a default profile for profileID if absent and
// returns a snapshot.
func (s *Store) GetOrCreate(profileID string) Profile {
	s.mu.Lock()
	r := s.getOrCreate(profileID)
	p := snapshot(profileID, r)
	s.mu.Unlock()
	return p
}

func (s *Store) getOrCreate(profileID string) *record {
	r, ok := s.profiles[profileID]
	if !ok {
		r = newRecord()
		s.profiles[profileID] = r
	}
	return r
}

// MergeIdentifiers set-unions the observed identifiers into the profile.
func (s *Store) MergeIdentifiers(profileID string, ids Identifiers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(profileID)
	for _, v := range ids.UserIDs {
		r.userIDs[v] = struct{}{}
	}
	for _, v := range ids.Emails {
		r.emails[v] = struct{}{}
	}
	for _, v := range ids.AnonymousIDs {
		r.anonIDs[v] = struct{}{}
	}
}

// MergeTraits applies last-write-wins per trait key: a value is written when
// eventTS >= the stored timestamp for that key (or the key is unseen).
// Strictly older writes are dropped silently.
func (s *Store) MergeTraits(profileID string, traits map[string]interface{}, eventTS time.Time) {
	if len(traits) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(profileID)
	for k, v := range traits {
		if stored, ok := r.traitTS[k]; ok && eventTS.Before(stored) {
			continue
		}
		r.traits[k] = v
		r.traitTS[k] = eventTS
	}
}

// UpdateLastSeen raises lastSeen to ts; it never decreases.
func (s *Store) UpdateLastSeen(profileID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(profileID)
	if ts.After(r.lastSeen) {
		r.lastSeen = ts
	}
}

// UpdateCounters replaces the profile's counter snapshot.
func (s *Store) UpdateCounters(profileID string, counters map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(profileID)
	r.counters = make(map[string]int64, len(counters))
	for k, v := range counters {
		r.counters[k] = v
	}
}

// UpdateSegments replaces the profile's segment set.
func (s *Store) UpdateSegments(profileID string, segments []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(profileID)
	r.segments = make(map[string]struct{}, len(segments))
	for _, seg := range segments {
		r.segments[seg] = struct{}{}
	}
}

// Get returns a snapshot of the profile, if present.
func (s *Store) Get(profileID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.profiles[profileID]
	if !ok {
		return Profile{}, false
	}
	return snapshot(profileID, r), true
}

// All returns snapshots of every profile, in unspecified order.
func (s *Store) All() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for id, r := range s.profiles {
		out = append(out, snapshot(id, r))
	}
	return out
}

// Len returns the number of profiles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

func snapshot(profileID string, r *record) Profile {
	p := Profile{
		ProfileID: profileID,
		Identifiers: Identifiers{
			UserIDs:      setToSorted(r.userIDs),
			Emails:       setToSorted(r.emails),
			AnonymousIDs: setToSorted(r.anonIDs),
		},
		Traits:   make(map[string]interface{}, len(r.traits)),
		Counters: make(map[string]int64, len(r.counters)),
		Segments: setToSorted(r.segments),
		LastSeen: r.lastSeen,
	}
	for k, v := range r.traits {
		p.Traits[k] = v
	}
	for k, v := range r.counters {
		p.Counters[k] = v
	}
	return p
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

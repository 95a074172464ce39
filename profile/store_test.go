package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateDefaults(t *testing.T) {
	s := NewStore()

	p := s.GetOrCreate("user:u1")
	require.Equal(t, "user:u1", p.ProfileID)
	require.Empty(t, p.Identifiers.UserIDs)
	require.Empty(t, p.Traits)
	require.True(t, p.LastSeen.IsZero())
}

func TestMergeIdentifiersUnions(t *testing.T) {
	s := NewStore()

	s.MergeIdentifiers("p1", Identifiers{UserIDs: []string{"u1"}, AnonymousIDs: []string{"a1"}})
	s.MergeIdentifiers("p1", Identifiers{UserIDs: []string{"u1"}, Emails: []string{"a@b.com"}})

	p, ok := s.Get("p1")
	require.True(t, ok)
	require.Equal(t, []string{"u1"}, p.Identifiers.UserIDs)
	require.Equal(t, []string{"a@b.com"}, p.Identifiers.Emails)
	require.Equal(t, []string{"a1"}, p.Identifiers.AnonymousIDs)
}

func TestMergeTraitsLastWriteWins(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	s.MergeTraits("p1", map[string]interface{}{"plan": "pro"}, now)
	// Strictly older write for the same key is dropped.
	s.MergeTraits("p1", map[string]interface{}{"plan": "basic"}, now.Add(-10*time.Second))

	p, _ := s.Get("p1")
	require.Equal(t, "pro", p.Traits["plan"])
}

func TestMergeTraitsEqualTimestampAcceptsNewerCall(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	s.MergeTraits("p1", map[string]interface{}{"plan": "pro"}, now)
	s.MergeTraits("p1", map[string]interface{}{"plan": "basic"}, now)

	p, _ := s.Get("p1")
	require.Equal(t, "basic", p.Traits["plan"], "equal timestamps defer to arrival order")
}

func TestMergeTraitsPerKey(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	s.MergeTraits("p1", map[string]interface{}{"plan": "pro", "country": "US"}, now)
	s.MergeTraits("p1", map[string]interface{}{"plan": "basic", "city": "Berlin"}, now.Add(-time.Minute))

	p, _ := s.Get("p1")
	require.Equal(t, "pro", p.Traits["plan"], "older plan write skipped")
	require.Equal(t, "US", p.Traits["country"])
	require.Equal(t, "Berlin", p.Traits["city"], "unseen key accepted regardless of age")
}

func TestUpdateLastSeenMonotonic(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	s.UpdateLastSeen("p1", now)
	s.UpdateLastSeen("p1", now.Add(-time.Hour))

	p, _ := s.Get("p1")
	require.Equal(t, now, p.LastSeen)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	s.MergeTraits("p1", map[string]interface{}{"plan": "pro"}, time.Now())

	p, _ := s.Get("p1")
	p.Traits["plan"] = "mutated"

	again, _ := s.Get("p1")
	require.Equal(t, "pro", again.Traits["plan"])
}

func TestUpdateSegmentsReplaces(t *testing.T) {
	s := NewStore()

	s.UpdateSegments("p1", []string{"power_user", "pro_plan"})
	s.UpdateSegments("p1", []string{"reengage"})

	p, _ := s.Get("p1")
	require.Equal(t, []string{"reengage"}, p.Segments)
}

func TestAll(t *testing.T) {
	s := NewStore()
	s.GetOrCreate("p1")
	s.GetOrCreate("p2")

	require.Len(t, s.All(), 2)
	require.Equal(t, 2, s.Len())
}

package pipeline

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Connektn/pulseboard/clock"
	"github.com/Connektn/pulseboard/event"
	"github.com/Connektn/pulseboard/segment"
)

func testPipeline(t *testing.T) (*Pipeline, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(zerolog.New(io.Discard), DefaultConfig(), clk, nil), clk
}

// drain submits events and runs one drain tick.
func drain(p *Pipeline, events ...event.Event) error {
	for _, e := range events {
		if err := p.Submit(e); err != nil {
			return err
		}
	}
	p.Processor().Tick()
	return nil
}

func TestLastWriteWinsTraits(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	newer := event.Event{EventID: "e1", TS: ts, Kind: event.KindIdentify, UserID: "u1",
		Traits: map[string]interface{}{"plan": "pro"}}
	older := event.Event{EventID: "e2", TS: ts.Add(-10 * time.Second), Kind: event.KindIdentify, UserID: "u1",
		Traits: map[string]interface{}{"plan": "basic"}}

	require.NoError(t, drain(p, newer, older))

	prof, ok := p.Store().Get("user:u1")
	require.True(t, ok)
	require.Equal(t, "pro", prof.Traits["plan"])
	require.Equal(t, ts, prof.LastSeen)
}

func TestAliasMergesProfiles(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	identify := event.Event{EventID: "e1", TS: ts, Kind: event.KindIdentify, AnonymousID: "a1",
		Traits: map[string]interface{}{"plan": "pro"}}
	alias := event.Event{EventID: "e2", TS: ts.Add(3 * time.Second), Kind: event.KindAlias,
		AnonymousID: "a1", UserID: "u1"}

	require.NoError(t, drain(p, identify, alias))

	require.Equal(t, p.Graph().Find("anon:a1"), p.Graph().Find("user:u1"))

	canonical := p.Graph().Find("user:u1")
	prof, ok := p.Store().Get(canonical)
	require.True(t, ok)
	require.Contains(t, prof.Identifiers.AnonymousIDs, "a1")
	require.Contains(t, prof.Identifiers.UserIDs, "u1")
	require.Equal(t, "pro", prof.Traits["plan"], "pre-alias traits survive the merge")
}

func TestTracksAfterAliasLandOnMergedProfile(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	require.NoError(t, drain(p,
		event.Event{EventID: "e1", TS: ts, Kind: event.KindTrack, AnonymousID: "a1", Name: event.FeatureUsed},
		event.Event{EventID: "e2", TS: ts.Add(time.Second), Kind: event.KindAlias, AnonymousID: "a1", UserID: "u1"},
		event.Event{EventID: "e3", TS: ts.Add(2 * time.Second), Kind: event.KindTrack, UserID: "u1", Name: event.FeatureUsed},
	))

	canonical := p.Graph().Find("user:u1")
	require.EqualValues(t, 2, p.Counters().Count(canonical, event.FeatureUsed, 24*time.Hour))
}

func TestPowerUserEnterAtThreshold(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	transitions, cancel := p.SubscribeSegments()
	defer cancel()

	for i := 0; i < 4; i++ {
		e := event.Event{EventID: fmt.Sprintf("e%d", i), TS: ts.Add(time.Duration(i) * time.Second),
			Kind: event.KindTrack, UserID: "u1", Name: event.FeatureUsed}
		require.NoError(t, drain(p, e))
		require.Empty(t, transitions, "no transition below the threshold")
	}

	fifth := event.Event{EventID: "e4", TS: ts.Add(5 * time.Second),
		Kind: event.KindTrack, UserID: "u1", Name: event.FeatureUsed}
	require.NoError(t, drain(p, fifth))

	ev := <-transitions
	require.Equal(t, segment.ActionEnter, ev.Action)
	require.Equal(t, segment.PowerUser, ev.Segment)
	require.Equal(t, "user:u1", ev.ProfileID)
	require.Empty(t, transitions, "exactly one transition at the threshold")

	prof, _ := p.Store().Get("user:u1")
	require.Contains(t, prof.Segments, segment.PowerUser)
}

func TestDuplicateSubmissionIsIdempotent(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	e := event.Event{EventID: "E", TS: ts, Kind: event.KindTrack, UserID: "u1", Name: event.FeatureUsed}
	require.NoError(t, drain(p, e, e))

	require.EqualValues(t, 1, p.Counters().Count("user:u1", event.FeatureUsed, 24*time.Hour))

	stats := p.Stats()
	require.EqualValues(t, 1, stats.Processor.Processed)
	require.EqualValues(t, 1, stats.Processor.DedupHits)
}

func TestSubmitWithoutIdentifiersFails(t *testing.T) {
	p, clk := testPipeline(t)
	err := p.Submit(event.Event{EventID: "e1", TS: clk.Now(), Kind: event.KindTrack, Name: "X"})
	require.Error(t, err)
}

func TestSnapshotThrottle(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	snapshots, cancel := p.SubscribeProfiles()
	defer cancel()

	// Two events drained at the same instant produce one snapshot.
	require.NoError(t, drain(p,
		event.Event{EventID: "e1", TS: ts, Kind: event.KindTrack, UserID: "u1", Name: "X"},
		event.Event{EventID: "e2", TS: ts.Add(time.Second), Kind: event.KindTrack, UserID: "u1", Name: "X"},
	))
	require.Len(t, snapshots, 1)

	// Past the throttle interval a new snapshot goes out.
	clk.Advance(3 * time.Second)
	require.NoError(t, drain(p,
		event.Event{EventID: "e3", TS: ts.Add(2 * time.Second), Kind: event.KindTrack, UserID: "u1", Name: "X"},
	))
	require.Len(t, snapshots, 2)
}

func TestSnapshotContents(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	require.NoError(t, drain(p,
		event.Event{EventID: "e1", TS: ts, Kind: event.KindIdentify, UserID: "u1", Email: "U1@Example.com",
			Traits: map[string]interface{}{"plan": "pro", "country": "NL"}},
		event.Event{EventID: "e2", TS: ts.Add(time.Second), Kind: event.KindTrack, UserID: "u1", Name: event.FeatureUsed},
	))

	canonical := p.Graph().Find("user:u1")
	snap, ok := p.Snapshot(canonical)
	require.True(t, ok)
	require.NotNil(t, snap.Plan)
	require.Equal(t, "pro", *snap.Plan)
	require.NotNil(t, snap.Country)
	require.Equal(t, "NL", *snap.Country)
	require.Equal(t, []string{"u1"}, snap.Identifiers.UserIDs)
	require.Equal(t, []string{"u1@example.com"}, snap.Identifiers.Emails, "emails stored lowercased, without prefix")
	require.EqualValues(t, 1, snap.FeatureUsedCount)
	require.Equal(t, ts.Add(time.Second), snap.LastSeen)
}

func TestSnapshotsSortedByLastSeen(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	var events []event.Event
	for i := 0; i < 5; i++ {
		events = append(events, event.Event{
			EventID: fmt.Sprintf("e%d", i),
			TS:      ts.Add(time.Duration(i) * time.Second),
			Kind:    event.KindTrack,
			UserID:  fmt.Sprintf("u%d", i),
			Name:    "X",
		})
	}
	require.NoError(t, drain(p, events...))

	snaps := p.Snapshots()
	require.Len(t, snaps, 5)
	for i := 1; i < len(snaps); i++ {
		require.False(t, snaps[i].LastSeen.After(snaps[i-1].LastSeen), "most recently seen first")
	}
	require.Equal(t, "user:u4", snaps[0].ProfileID)
}

func TestStartConsumesPublishedEvents(t *testing.T) {
	p, clk := testPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	defer p.Stop()

	p.Publish(event.Event{EventID: "e1", TS: clk.Now().Add(-60 * time.Second),
		Kind: event.KindTrack, UserID: "u1", Name: "X"})

	require.Eventually(t, func() bool {
		return p.Stats().Processor.Processed == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestReengageNotEnteredWhenActivityResumes(t *testing.T) {
	p, clk := testPipeline(t)
	ts := clk.Now().Add(-60 * time.Second)

	transitions, cancel := p.SubscribeSegments()
	defer cancel()

	require.NoError(t, drain(p,
		event.Event{EventID: "e1", TS: ts, Kind: event.KindTrack, UserID: "u1", Name: "X"},
	))
	require.Empty(t, transitions)

	// The profile goes quiet past the reengage threshold. The next event
	// refreshes lastSeen before evaluation, so the profile is active again
	// by the time it is re-evaluated.
	clk.Advance(20 * time.Minute)
	require.NoError(t, drain(p,
		event.Event{EventID: "e2", TS: clk.Now().Add(-30 * time.Second), Kind: event.KindTrack, UserID: "u1", Name: "X"},
	))

	// lastSeen was refreshed by e2, so the profile is active again and no
	// reengage transition is pending.
	prof, _ := p.Store().Get("user:u1")
	require.NotContains(t, prof.Segments, segment.Reengage)
}

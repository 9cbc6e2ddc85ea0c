package zombie

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/openpai/pai-telemetry/internal/cache"
	"github.com/openpai/pai-telemetry/internal/collector/container"
	"github.com/openpai/pai-telemetry/internal/metric"
)

const decay = 5 * time.Minute

func TestRecorder_Decay(t *testing.T) {
	r := NewRecorder(decay)
	t0 := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, r.Update(sets.New[string](), nil, t0))
	assert.Equal(t, 0, r.Update(sets.New("a"), nil, t0))
	assert.Equal(t, 1, r.Update(sets.New("a"), nil, t0.Add(decay+time.Second)))
	assert.Equal(t, 0, r.Update(sets.New[string](), nil, t0.Add(decay+2*time.Second)))
	assert.Equal(t, 0, r.Len())
}

func TestRecorder_ExactlyDecayIsNotReported(t *testing.T) {
	r := NewRecorder(decay)
	t0 := time.Now()
	r.Update(sets.New("a"), nil, t0)
	assert.Equal(t, 0, r.Update(sets.New("a"), nil, t0.Add(decay)))
}

func TestRecorder_DroppedCandidateRestartsWindow(t *testing.T) {
	r := NewRecorder(decay)
	t0 := time.Now()

	r.Update(sets.New("a", "b"), nil, t0)
	r.Update(sets.New("b"), nil, t0.Add(time.Minute))
	assert.Equal(t, 1, r.Len())

	// "a" comes back and must be observed for a full window again
	assert.Equal(t, 1, r.Update(sets.New("a", "b"), nil, t0.Add(decay+time.Second)))
	assert.Equal(t, 2, r.Update(sets.New("a", "b"), nil, t0.Add(2*decay+time.Minute+time.Second)))
}

func TestHasExited(t *testing.T) {
	assert.True(t, HasExited([]byte("loss 0.1\nUSER COMMAND END\n")))
	assert.False(t, HasExited([]byte("loss 0.1\n")))
	assert.False(t, HasExited(nil))
}

func TestOrphans(t *testing.T) {
	names := []string{
		"container_e01_1563_01_000002",
		"alice_container_e01_1563_01_000002", // referenced container alive
		"bob_container_e01_1563_01_000003",   // referenced container gone
		"k8s_POD_nginx",                      // not a distributed job container
		"_container_e01_x",                   // empty prefix
		"plain",
	}
	assert.Equal(t, sets.New("bob_container_e01_1563_01_000003"), Orphans(names))
	assert.Empty(t, Orphans(nil))
}

type fakeLogs struct {
	logs map[string]string
	err  map[string]error
}

func (f fakeLogs) Logs(_ context.Context, id string, tail int) ([]byte, error) {
	if tail != LogTail {
		return nil, errors.New("unexpected tail")
	}
	if err := f.err[id]; err != nil {
		return nil, err
	}
	return []byte(f.logs[id]), nil
}

func count(t *testing.T, b metric.Batch) float64 {
	t.Helper()
	f, ok := b.Find("zombie_container_count")
	require.True(t, ok)
	require.Len(t, f.Metrics, 1)
	return f.Metrics[0].Value
}

const maxAge = time.Minute

// snapshots publishes container lists stamped by the fake clock, the way
// the container collector does every iteration.
type snapshots struct {
	ref *cache.AtomicRef[container.Containers]
	clk *clocktesting.FakeClock
}

func newSnapshots(clk *clocktesting.FakeClock) snapshots {
	return snapshots{ref: cache.NewAtomicRef(container.Containers{}), clk: clk}
}

func (s snapshots) publish(c container.Containers) {
	c.ProducedAt = s.clk.Now()
	s.ref.Set(c)
}

func oneJob(id string) container.Containers {
	return container.Containers{
		Stats: []container.ContainerStats{{ID: id, Name: id}},
		Jobs:  map[string]container.InspectResult{id: {JobName: "j"}},
	}
}

func TestCollector_CountsBothTypes(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	snaps := newSnapshots(fc)
	seen := container.Containers{
		Stats: []container.ContainerStats{
			{ID: "aaa", Name: "alice-job"},
			{ID: "bbb", Name: "bob-job"},
			{ID: "ccc", Name: "carol_container_e01_000009"},
		},
		Jobs: map[string]container.InspectResult{
			"aaa": {JobName: "alice~a"},
			"bbb": {JobName: "bob~b"},
		},
	}
	logs := fakeLogs{
		logs: map[string]string{"aaa": "done\nUSER COMMAND END\n", "bbb": "training"},
	}

	c := NewCollector(logs, snaps.ref, time.Minute, decay, maxAge, nil, fc)

	snaps.publish(seen)
	b, err := c.collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, count(t, b), "candidates are not reported before the decay window")

	fc.Step(decay + time.Second)
	snaps.publish(seen)
	b, err = c.collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.0, count(t, b))

	// the exited container is removed
	fc.Step(time.Second)
	snaps.publish(container.Containers{
		Stats: []container.ContainerStats{{ID: "ccc", Name: "carol_container_e01_000009"}},
	})
	b, err = c.collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, count(t, b))
	assert.Equal(t, 0, c.exited.Len())
}

func TestCollector_NoSnapshotYet(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	c := NewCollector(fakeLogs{}, newSnapshots(fc).ref, time.Minute, decay, maxAge, nil, fc)

	b, err := c.collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestCollector_StaleSnapshotResetsWindows(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	snaps := newSnapshots(fc)
	orphan := container.Containers{
		Stats: []container.ContainerStats{{ID: "ccc", Name: "carol_container_e01_000009"}},
	}
	c := NewCollector(fakeLogs{}, snaps.ref, time.Minute, decay, maxAge, nil, fc)

	snaps.publish(orphan)
	_, err := c.collect(context.Background())
	require.NoError(t, err)
	fc.Step(decay + time.Second)
	snaps.publish(orphan)
	b, err := c.collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1.0, count(t, b))

	// docker stats keeps failing, so nothing is published for an hour
	for range 60 {
		fc.Step(time.Minute)
		_, err = c.collect(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 0, c.orphaned.Len())

	// once docker recovers the orphan needs a full window again
	snaps.publish(orphan)
	b, err = c.collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, count(t, b))
}

// flakyLogs fails every nth call and otherwise returns logs.
type flakyLogs struct {
	logs  string
	every int
	calls int
}

func (f *flakyLogs) Logs(context.Context, string, int) ([]byte, error) {
	f.calls++
	if f.calls%f.every == 0 {
		return nil, errors.New("docker logs: signal: killed")
	}
	return []byte(f.logs), nil
}

func TestCollector_LogFailureKeepsTracking(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	snaps := newSnapshots(fc)
	logs := &flakyLogs{logs: "USER COMMAND END\n", every: 4}
	c := NewCollector(logs, snaps.ref, time.Minute, decay, maxAge, nil, fc)

	var last float64
	for range 20 {
		snaps.publish(oneJob("aaa"))
		b, err := c.collect(context.Background())
		require.NoError(t, err)
		last = count(t, b)
		fc.Step(time.Minute)
	}
	assert.Equal(t, 1.0, last)
	assert.Equal(t, 1, c.exited.Len())
}

func TestCollector_LogFailureDoesNotStartWindow(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	snaps := newSnapshots(fc)
	logs := fakeLogs{err: map[string]error{"aaa": errors.New("docker logs: exit status 1")}}

	c := NewCollector(logs, snaps.ref, time.Minute, decay, maxAge, nil, fc)
	snaps.publish(oneJob("aaa"))
	b, err := c.collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, count(t, b))
	assert.Equal(t, 0, c.exited.Len())
}

func TestRecorder_UnknownKeepsState(t *testing.T) {
	r := NewRecorder(decay)
	t0 := time.Now()

	r.Update(sets.New("a"), nil, t0)
	assert.Equal(t, 1, r.Update(sets.New[string](), sets.New("a"), t0.Add(decay+time.Second)), "tracked and unreadable still counts")
	assert.Equal(t, 0, r.Update(sets.New[string](), sets.New("b"), t0.Add(decay+2*time.Second)), "a left, b never tracked")
	assert.Equal(t, 0, r.Len())
}

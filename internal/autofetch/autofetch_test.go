package autofetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestProjectionForHourBucket asserts S4: a source updated 10 minutes ago
// falls in the Hour bucket with refetch probability 1.0.
func TestProjectionForHourBucket(t *testing.T) {
	now := time.Now()
	last := now.Add(-10 * time.Minute)
	p := ProjectionFor(&last, now)
	assert.Equal(t, BucketHour, p.Bucket)
	assert.Equal(t, 1.0, UpdateProbability(p))
}

// TestUpdateProbabilityWeekBucketEmpiricalRange checks S5's [0.05, 0.40]
// bounds on the refetch rate of a source stale by 9 days. It asserts the
// per-cycle probability directly rather than sampling many cycles.
func TestUpdateProbabilityWeekBucketEmpiricalRange(t *testing.T) {
	now := time.Now()
	last := now.Add(-9 * 24 * time.Hour)
	p := ProjectionFor(&last, now)
	assert.Equal(t, BucketWeek, p.Bucket)

	prob := UpdateProbability(p)
	assert.GreaterOrEqual(t, prob, 0.05)
	assert.LessOrEqual(t, prob, 0.40)
}

func TestProjectionForNilLastUpdated(t *testing.T) {
	p := ProjectionFor(nil, time.Now())
	assert.Equal(t, BucketDay, p.Bucket)
	assert.Equal(t, uint16(0xffff), p.Weight)
}

func TestUpdateProbabilityDayFloor(t *testing.T) {
	// The largest Day weight gives 1 - 65535/(65535*7) = 1 - 1/7, which is
	// still above the 0.4 floor, so the floor never binds for a u16 weight.
	p := Projection{Bucket: BucketDay, Weight: 0xffff}
	assert.Equal(t, 1-1.0/7, UpdateProbability(p))
}

func TestUpdateProbabilityWeekFloor(t *testing.T) {
	// The largest Week weight gives 0.4 - 1/7, still above the 0.07 floor.
	p := Projection{Bucket: BucketWeek, Weight: 0xffff}
	assert.Equal(t, 0.4-1.0/7, UpdateProbability(p))
}

func TestQueuePushPopFIFO(t *testing.T) {
	var q queue
	q.push(job{uri: "a"})
	q.push(job{uri: "b"})

	j1, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", j1.uri)

	j2, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", j2.uri)

	_, ok = q.pop()
	assert.False(t, ok)
}

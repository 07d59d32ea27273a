package endpoint

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipebot/snipebot/internal/apperr"
)

const chain = uint64(1)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, eps ...Endpoint) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(Config{FailureThreshold: 3, Cooldown: time.Minute, RecoverySuccesses: 2})
	m.SetClock(clock.Now)
	for _, ep := range eps {
		require.NoError(t, m.Add(ep))
	}
	return m, clock
}

func ep(url string, priority int) Endpoint {
	return Endpoint{URL: url, ChainID: chain, Priority: priority, Enabled: true}
}

var errTimeout = errors.New("timeout")

func failN(m *Manager, url string, n int) {
	for i := 0; i < n; i++ {
		m.ReportFailure(url, errTimeout)
	}
}

func TestSelectHighestPriority(t *testing.T) {
	m, _ := newTestManager(t, ep("http://b", 5), ep("http://a", 10))

	got, err := m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://a", got.URL)

	primary, ok := m.Primary(chain)
	require.True(t, ok)
	assert.Equal(t, "http://a", primary.URL)
}

func TestSelectTieBrokenByLatencyThenURL(t *testing.T) {
	m, _ := newTestManager(t, ep("http://c", 1), ep("http://b", 1), ep("http://a", 1))

	got, err := m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://a", got.URL, "unknown latencies fall back to URL order")

	m.ReportSuccess("http://a", 80*time.Millisecond)
	m.ReportSuccess("http://c", 20*time.Millisecond)

	got, err = m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://c", got.URL)

	// Measured endpoints rank ahead of unmeasured ones.
	ranked := m.Endpoints(chain)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"http://c", "http://a", "http://b"},
		[]string{ranked[0].URL, ranked[1].URL, ranked[2].URL})
}

func TestFailureThresholdLeavesActive(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 10), ep("http://b", 5))

	failN(m, "http://a", 2)
	got, _ := m.Get("http://a")
	assert.Equal(t, StatusActive, got.Status)

	failN(m, "http://a", 1)
	got, _ = m.Get("http://a")
	assert.Equal(t, StatusDegraded, got.Status)

	sel, err := m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://b", sel.URL)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 10))

	failN(m, "http://a", 2)
	m.ReportSuccess("http://a", time.Millisecond)
	failN(m, "http://a", 2)

	got, _ := m.Get("http://a")
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 2, got.ConsecutiveFailures)
}

func TestDegradedToDownThenCooldown(t *testing.T) {
	m, clock := newTestManager(t, ep("http://a", 10))

	failN(m, "http://a", 6)
	got, _ := m.Get("http://a")
	require.Equal(t, StatusDown, got.Status)

	_, err := m.Select(chain)
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.ClassOf(err))

	clock.Advance(30 * time.Second)
	_, err = m.Select(chain)
	require.Error(t, err, "still cooling down")

	clock.Advance(31 * time.Second)
	sel, err := m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://a", sel.URL)
	assert.Equal(t, StatusDegraded, sel.Status)
}

func TestRotationPropertyForAnyFailureSequence(t *testing.T) {
	// After FailureThreshold consecutive failures an endpoint is never Active,
	// and once the cooldown passes it is at worst Degraded.
	sequences := [][]bool{
		{false, false, false},
		{true, false, false, false},
		{false, true, false, false, false},
		{false, false, false, false, false, false, false},
		{false, false, false, false, false, false, false, false, false, false},
	}
	for _, seq := range sequences {
		m, clock := newTestManager(t, ep("http://a", 1))
		streak := 0
		for _, ok := range seq {
			if ok {
				m.ReportSuccess("http://a", time.Millisecond)
				streak = 0
			} else {
				m.ReportFailure("http://a", errTimeout)
				streak++
			}
		}
		got, _ := m.Get("http://a")
		if streak >= 3 {
			assert.NotEqual(t, StatusActive, got.Status, "seq %v", seq)
		}

		clock.Advance(time.Minute)
		m.ReviveExpired()
		got, _ = m.Get("http://a")
		assert.NotEqual(t, StatusDown, got.Status, "seq %v", seq)
	}
}

func TestDegradedRecovers(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 10), ep("http://b", 5))
	failN(m, "http://a", 3)

	m.ReportSuccess("http://a", time.Millisecond)
	got, _ := m.Get("http://a")
	assert.Equal(t, StatusDegraded, got.Status)

	m.ReportSuccess("http://a", time.Millisecond)
	got, _ = m.Get("http://a")
	assert.Equal(t, StatusActive, got.Status)

	primary, ok := m.Primary(chain)
	require.True(t, ok)
	assert.Equal(t, "http://a", primary.URL)
}

func TestPrimaryRotationCallback(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 10), ep("http://b", 5))

	var rotations [][2]string
	m.OnRotate(func(chainID uint64, from, to string) {
		rotations = append(rotations, [2]string{from, to})
	})

	failN(m, "http://a", 3)
	require.Len(t, rotations, 1)
	assert.Equal(t, [2]string{"http://a", "http://b"}, rotations[0])

	failN(m, "http://b", 3)
	_, ok := m.Primary(chain)
	assert.False(t, ok, "no Active endpoint left")

	sel, err := m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, sel.Status)
}

func TestExactlyOnePrimaryPerChain(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 1), ep("http://b", 1),
		Endpoint{URL: "http://other", ChainID: 56, Priority: 1, Enabled: true})

	p1, ok := m.Primary(chain)
	require.True(t, ok)
	p56, ok := m.Primary(56)
	require.True(t, ok)
	assert.NotEqual(t, p1.URL, p56.URL)
	assert.Equal(t, []uint64{1, 56}, m.Chains())
}

func TestDisabledEndpointsExcluded(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 10), ep("http://b", 5))
	require.True(t, m.SetEnabled("http://a", false))

	sel, err := m.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://b", sel.URL)
	assert.Len(t, m.Endpoints(chain), 2)
}

func TestAddValidation(t *testing.T) {
	m, _ := newTestManager(t, ep("http://a", 1))

	err := m.Add(ep("http://a", 1))
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
	err = m.Add(Endpoint{URL: ""})
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
	err = m.Add(Endpoint{URL: "http://x"})
	assert.Equal(t, apperr.Validation, apperr.ClassOf(err))
}

func TestSaveAndLoadFile(t *testing.T) {
	m, clock := newTestManager(t, ep("http://a", 10), ep("http://b", 5))
	m.ReportSuccess("http://b", 40*time.Millisecond)
	failN(m, "http://a", 6)

	path := filepath.Join(t.TempDir(), "state", "endpoints.json")
	require.NoError(t, m.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	fresh, _ := newTestManager(t, ep("http://a", 10))
	fresh.SetClock(clock.Now)
	added, err := fresh.Merge(loaded)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	a, _ := fresh.Get("http://a")
	assert.Equal(t, StatusDown, a.Status, "unexpired cooldown is restored")
	b, _ := fresh.Get("http://b")
	assert.Equal(t, 40*time.Millisecond, b.LastLatency)

	sel, err := fresh.Select(chain)
	require.NoError(t, err)
	assert.Equal(t, "http://b", sel.URL)
}

func TestLoadFileMissing(t *testing.T) {
	eps, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, eps)
}

package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater-systems/perimeter/internal/alerts"
	"github.com/stillwater-systems/perimeter/internal/threat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var epStart = time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC)

func transition(alertID string, prev, next alerts.Level, frame int) alerts.Transition {
	return alerts.Transition{
		TrackID:      "trk_1",
		AlertID:      alertID,
		Previous:     prev,
		New:          next,
		ZoneID:       "yard",
		Timestamp:    epStart.Add(time.Duration(frame) * time.Second),
		EpisodeStart: epStart,
		Score:        0.9,
		Factors:      threat.Factors{ClassWeight: 1, ZoneSensitivity: 1, Proximity: 0.9, TimeMultiplier: 1},
	}
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alerts.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening the same file must not re-run applied migrations.
	s, err = Open(path)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestPublishEpisodeLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	s.Publish(transition("alr_1", alerts.LevelSafe, alerts.LevelCaution, 1))
	s.Publish(transition("alr_1", alerts.LevelCaution, alerts.LevelWarning, 3))

	rec, err := s.GetAlert("alr_1")
	require.NoError(t, err)
	assert.Equal(t, "trk_1", rec.TrackID)
	assert.Equal(t, alerts.LevelWarning, rec.PeakLevel)
	assert.Equal(t, "yard", rec.ZoneID)
	assert.Equal(t, epStart.UnixNano(), rec.StartUnixNanos)
	assert.Nil(t, rec.EndUnixNanos, "episode still open")
	assert.InDelta(t, 0.9, rec.Factors.Proximity, 1e-9)

	open, err := s.GetOpenAlerts()
	require.NoError(t, err)
	require.Len(t, open, 1)

	// De-escalation below the peak must not lower the recorded peak.
	s.Publish(transition("alr_1", alerts.LevelWarning, alerts.LevelCaution, 5))
	rec, err = s.GetAlert("alr_1")
	require.NoError(t, err)
	assert.Equal(t, alerts.LevelWarning, rec.PeakLevel)

	// Return to SAFE stamps the end time.
	closeTr := transition("alr_1", alerts.LevelCaution, alerts.LevelSafe, 7)
	s.Publish(closeTr)
	rec, err = s.GetAlert("alr_1")
	require.NoError(t, err)
	require.NotNil(t, rec.EndUnixNanos)
	assert.Equal(t, closeTr.Timestamp.UnixNano(), *rec.EndUnixNanos)

	open, err = s.GetOpenAlerts()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPublishWithoutAlertIDRecordsEventOnly(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	tr := transition("", alerts.LevelCaution, alerts.LevelSafe, 1)
	s.Publish(tr)

	open, err := s.GetOpenAlerts()
	require.NoError(t, err)
	assert.Empty(t, open)

	recs, err := s.GetAlertsInRange(0, time.Now().Add(time.Hour).UnixNano(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "no episode row without an alert id")
}

func TestGetAlertsInRange(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	s.Publish(transition("alr_1", alerts.LevelSafe, alerts.LevelCaution, 1))

	inRange, err := s.GetAlertsInRange(epStart.Add(-time.Minute).UnixNano(), epStart.Add(time.Minute).UnixNano(), 10)
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Equal(t, "alr_1", inRange[0].AlertID)

	before, err := s.GetAlertsInRange(0, epStart.UnixNano(), 10)
	require.NoError(t, err)
	assert.Empty(t, before, "range start is inclusive, end exclusive")
}

func TestCloseAllOpen(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	s.Publish(transition("alr_1", alerts.LevelSafe, alerts.LevelCaution, 1))
	s.Publish(transition("alr_2", alerts.LevelSafe, alerts.LevelCaution, 2))

	cutoff := epStart.Add(time.Minute)
	n, err := s.CloseAllOpen(cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	open, err := s.GetOpenAlerts()
	require.NoError(t, err)
	assert.Empty(t, open)

	rec, err := s.GetAlert("alr_1")
	require.NoError(t, err)
	require.NotNil(t, rec.EndUnixNanos)
	assert.Equal(t, cutoff.UnixNano(), *rec.EndUnixNanos)
}

func TestGetAlertMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.GetAlert("alr_nope")
	assert.Error(t, err)
}

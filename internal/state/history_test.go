// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
)

func testRule(id rules.ID, name string) *rules.Rule {
	return &rules.Rule{
		ID: id,
		Spec: rules.Spec{
			Name:      name,
			Adapter:   "pcap",
			Direction: rules.Outbound,
			Shaping: rules.Shaping{
				Latency:              50 * time.Millisecond,
				Jitter:               5 * time.Millisecond,
				Distribution:         rules.Normal{},
				Loss:                 0.01,
				BandwidthBytesPerSec: 125000,
			},
		},
		State:   rules.StateActive,
		Created: time.Unix(1700000000, 0),
	}
}

func TestHistoryLifecycle(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	session, err := s.BeginSession(time.Unix(1700000000, 0))
	require.NoError(t, err)
	_, err = uuid.Parse(session)
	require.NoError(t, err)

	require.NoError(t, s.RecordRule(session, testRule(1, "slow")))
	require.NoError(t, s.RecordRule(session, testRule(2, "lossy")))

	updated := testRule(1, "slower")
	updated.Spec.Shaping.Latency = 80 * time.Millisecond
	require.NoError(t, s.RecordRule(session, updated))

	removedAt := time.Unix(1700000100, 0)
	require.NoError(t, s.MarkRemoved(session, 2, removedAt))

	recs, err := s.Rules(session)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, rules.ID(1), recs[0].ID)
	assert.Equal(t, "slower", recs[0].Name)
	assert.Equal(t, 80*time.Millisecond, recs[0].Latency)
	assert.Equal(t, "normal", recs[0].Distribution)
	assert.Equal(t, "outbound", recs[0].Direction)
	assert.Equal(t, "active", recs[0].Status)
	assert.True(t, recs[0].Removed.IsZero())

	assert.Equal(t, "removed", recs[1].Status)
	assert.True(t, recs[1].Removed.Equal(removedAt))
	assert.True(t, recs[1].Created.Equal(time.Unix(1700000000, 0)))
}

func TestHistorySessionsAreIsolated(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	a, err := s.BeginSession(time.Unix(100, 0))
	require.NoError(t, err)
	b, err := s.BeginSession(time.Unix(200, 0))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, s.RecordRule(a, testRule(1, "a1")))
	require.NoError(t, s.RecordRule(b, testRule(1, "b1")))

	recs, err := s.Rules(b)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b1", recs[0].Name)

	sessions, err := s.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, a, sessions[0].ID)
}

func TestMarkRemovedUnknownRule(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	err = s.MarkRemoved("nope", 9, time.Now())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestHistoryPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	session, err := s.BeginSession(time.Now())
	require.NoError(t, err)
	require.NoError(t, s.RecordRule(session, testRule(3, "kept")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Rules(session)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "kept", recs[0].Name)
}

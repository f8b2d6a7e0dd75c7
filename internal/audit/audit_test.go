package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ddp/uploadportal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ForUserOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []models.HistoryEntry{
		{Timestamp: base, Action: models.ActionUploadSubmitted, ActingUserID: "okan", CounterpartyID: "emir", Filename: "first"},
		{Timestamp: base.Add(time.Minute), Action: models.ActionFileApproved, ActingUserID: "emir", CounterpartyID: "okan", Filename: "second"},
		{Timestamp: base.Add(time.Minute), Action: models.ActionUploadSubmitted, ActingUserID: "okan", CounterpartyID: "emir", Filename: "third"},
		{Timestamp: base.Add(-time.Hour), Action: models.ActionUploadSubmitted, ActingUserID: "ayse", CounterpartyID: "mert", Filename: "other"},
	}
	for _, e := range entries {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.ForUser(ctx, "okan")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"second", "third", "first"}, []string{got[0].Filename, got[1].Filename, got[2].Filename})
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.After(got[i-1].Timestamp), "entries must be non-increasing")
	}

	got, err = s.ForUser(ctx, "emir")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.ForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLog_AddStampsTime(t *testing.T) {
	ctx := context.Background()
	l := NewLog(NewMemoryStore(), nil)
	fixed := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	require.NoError(t, l.Add(ctx, models.HistoryEntry{Action: models.ActionFileRejected, ActingUserID: "emir", CounterpartyID: "okan"}))

	got, err := l.ForUser(ctx, "okan")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fixed, got[0].Timestamp)
}

type failingStore struct{}

func (failingStore) Append(context.Context, models.HistoryEntry) error { return errors.New("disk full") }
func (failingStore) ForUser(context.Context, string) ([]models.HistoryEntry, error) {
	return nil, errors.New("disk gone")
}

func TestLog_StoreErrors(t *testing.T) {
	l := NewLog(failingStore{}, nil)
	err := l.Add(context.Background(), models.HistoryEntry{})
	assert.ErrorContains(t, err, "disk full")
	_, err = l.ForUser(context.Background(), "okan")
	assert.ErrorContains(t, err, "disk gone")
}

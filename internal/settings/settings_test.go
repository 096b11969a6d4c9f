package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/storage"
)

func newSyncer(t *testing.T, st storage.Storage, backend remote.SettingsBackend, now time.Time) *Syncer {
	t.Helper()
	s, err := New(Options{
		Storage:  st,
		Remote:   backend,
		Logger:   zerolog.Nop(),
		Debounce: time.Hour,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      Settings
		want    Settings
		wantErr bool
	}{
		{name: "empty gets defaults", in: Settings{}, want: Settings{Theme: ThemeSystem, FontSize: 14}},
		{name: "font clamped low", in: Settings{Theme: ThemeDark, FontSize: 2}, want: Settings{Theme: ThemeDark, FontSize: 10}},
		{name: "font clamped high", in: Settings{Theme: ThemeLight, FontSize: 99}, want: Settings{Theme: ThemeLight, FontSize: 32}},
		{name: "unknown theme", in: Settings{Theme: "neon"}, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.in.Normalize()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSettings)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSetPersistsLocally(t *testing.T) {
	st := storage.NewMemoryStorage()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s := newSyncer(t, st, nil, now)
	assert.Equal(t, Defaults(), s.Get())

	got, err := s.Set(Settings{Theme: ThemeDark, FontSize: 16, WordWrap: true})
	require.NoError(t, err)
	assert.Equal(t, now, got.UpdatedAt)

	reopened := newSyncer(t, st, nil, now)
	assert.Equal(t, got, reopened.Get())
}

func TestSignInPushesNewerLocal(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s := newSyncer(t, storage.NewMemoryStorage(), backend, now)
	_, err := s.Set(Settings{Theme: ThemeLight, FontSize: 18})
	require.NoError(t, err)

	require.NoError(t, s.SignIn(ctx, "alice"))
	row, err := backend.FetchSettings(ctx, "alice")
	require.NoError(t, err)
	var saved Settings
	require.NoError(t, json.Unmarshal(row.Settings, &saved))
	assert.Equal(t, ThemeLight, saved.Theme)
	assert.Equal(t, 18, saved.FontSize)
	dirty, lastErr := s.Pending()
	assert.False(t, dirty)
	assert.Empty(t, lastErr)
}

func TestSignInAdoptsNewerRemote(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	early := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	data, err := json.Marshal(Settings{Theme: ThemeDark, FontSize: 20, SpellCheck: true})
	require.NoError(t, err)
	require.NoError(t, backend.SaveSettings(ctx, remote.SettingsRow{UserID: "alice", Settings: data, UpdatedAt: late}))

	s := newSyncer(t, storage.NewMemoryStorage(), backend, early)
	_, err = s.Set(Settings{Theme: ThemeLight})
	require.NoError(t, err)

	require.NoError(t, s.SignIn(ctx, "alice"))
	got := s.Get()
	assert.Equal(t, ThemeDark, got.Theme)
	assert.Equal(t, 20, got.FontSize)
	assert.Equal(t, late, got.UpdatedAt)
}

func TestFlushFailureIsReported(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend()
	s := newSyncer(t, storage.NewMemoryStorage(), backend, time.Now())
	require.NoError(t, s.SignIn(ctx, "alice"))

	backend.SetOffline(true)
	_, err := s.Set(Settings{Theme: ThemeDark})
	require.NoError(t, err)
	require.Error(t, s.Flush(ctx))
	dirty, lastErr := s.Pending()
	assert.True(t, dirty)
	assert.NotEmpty(t, lastErr)
}

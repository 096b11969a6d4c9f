// Package settings holds the per-user app preferences. They are stored
// locally under their own key and synced to the remote user_settings
// relation on a separate debounce from the document tree.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/storage"
)

type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

const (
	minFontSize     = 10
	maxFontSize     = 32
	defaultDebounce = 2 * time.Second
	defaultTimeout  = 10 * time.Second
)

var ErrInvalidSettings = errors.New("settings: invalid")

type Settings struct {
	Theme            Theme     `json:"theme"`
	FontSize         int       `json:"fontSize"`
	DefaultMonospace bool      `json:"defaultMonospace"`
	WordWrap         bool      `json:"wordWrap"`
	SpellCheck       bool      `json:"spellCheck"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func Defaults() Settings {
	return Settings{Theme: ThemeSystem, FontSize: 14, WordWrap: true, SpellCheck: true}
}

// Normalize fills an empty theme and clamps the font size.
func (s Settings) Normalize() (Settings, error) {
	switch s.Theme {
	case "":
		s.Theme = ThemeSystem
	case ThemeSystem, ThemeLight, ThemeDark:
	default:
		return s, fmt.Errorf("%w: theme %q", ErrInvalidSettings, s.Theme)
	}
	if s.FontSize == 0 {
		s.FontSize = Defaults().FontSize
	}
	s.FontSize = max(minFontSize, min(maxFontSize, s.FontSize))
	return s, nil
}

type Options struct {
	Storage storage.Storage
	// Remote may be nil when the configured backend cannot store settings.
	Remote   remote.SettingsBackend
	Logger   zerolog.Logger
	Debounce time.Duration
	Timeout  time.Duration
	Now      func() time.Time
}

// Syncer owns the current settings value.
type Syncer struct {
	storage storage.Storage
	remote  remote.SettingsBackend
	log     zerolog.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current Settings
	user    string
	dirty   bool
	timer   *time.Timer
	lastErr string
	closed  bool
}

func New(opts Options) (*Syncer, error) {
	if opts.Storage == nil {
		return nil, storage.ErrInvalidInput
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	current := Defaults()
	err := storage.GetJSON(opts.Storage, storage.KeySettings, &current)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if current, err = current.Normalize(); err != nil {
		current = Defaults()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		storage: opts.Storage,
		remote:  opts.Remote,
		log:     opts.Logger.With().Str("component", "settings").Logger(),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		current: current,
	}, nil
}

func (s *Syncer) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set stores next locally right away and schedules the remote save.
func (s *Syncer) Set(next Settings) (Settings, error) {
	next, err := next.Normalize()
	if err != nil {
		return s.Get(), err
	}
	next.UpdatedAt = s.opts.Now().UTC().Truncate(time.Millisecond)
	if err := storage.PutJSON(s.storage, storage.KeySettings, next); err != nil {
		return s.Get(), fmt.Errorf("save settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	s.dirty = true
	s.armLocked()
	return next, nil
}

func (s *Syncer) armLocked() {
	if s.user == "" || s.remote == nil || s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.Debounce, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.log.Warn().Err(err).Msg("settings save failed")
		}
	})
}

// SignIn reconciles local and remote settings for user: whichever side was
// changed last wins.
func (s *Syncer) SignIn(ctx context.Context, user string) error {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	if s.remote == nil || user == "" {
		return nil
	}
	row, err := s.remote.FetchSettings(remote.WithUser(ctx, user), user)
	if remote.IsNotFound(err) {
		return s.Flush(ctx)
	}
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("fetch settings: %w", err)
	}
	remoteSettings := Defaults()
	if err := json.Unmarshal(row.Settings, &remoteSettings); err != nil {
		s.log.Warn().Err(err).Msg("ignoring unreadable remote settings")
		return s.Flush(ctx)
	}
	remoteSettings.UpdatedAt = row.UpdatedAt
	local := s.Get()
	if !remoteSettings.UpdatedAt.After(local.UpdatedAt) {
		if remoteSettings.UpdatedAt.Equal(local.UpdatedAt) {
			return nil
		}
		return s.Flush(ctx)
	}
	normalized, err := remoteSettings.Normalize()
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring invalid remote settings")
		return s.Flush(ctx)
	}
	if err := storage.PutJSON(s.storage, storage.KeySettings, normalized); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.mu.Lock()
	s.current = normalized
	s.dirty = false
	s.mu.Unlock()
	s.log.Debug().Msg("adopted remote settings")
	return nil
}

func (s *Syncer) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.user = ""
	s.lastErr = ""
}

// Flush saves the current settings remotely.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	user, current := s.user, s.current
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	if user == "" || s.remote == nil {
		return nil
	}
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	updated := current.UpdatedAt
	if updated.IsZero() {
		updated = s.opts.Now().UTC().Truncate(time.Millisecond)
	}
	err = s.remote.SaveSettings(remote.WithUser(ctx, user), remote.SettingsRow{
		UserID:    user,
		Settings:  data,
		UpdatedAt: updated,
	})
	if err != nil {
		s.setErr(err)
		s.mu.Lock()
		s.armLocked()
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	if s.current.UpdatedAt.Equal(current.UpdatedAt) {
		s.dirty = false
	}
	s.lastErr = ""
	s.mu.Unlock()
	return nil
}

func (s *Syncer) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Pending reports an unsaved local change and the last save error.
func (s *Syncer) Pending() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty, s.lastErr
}

func (s *Syncer) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

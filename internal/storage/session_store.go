package storage

import (
	"context"
	"errors"
	"fmt"

	"findash/internal/session"
)

// SessionStore persists the session tokens in the client_state table under
// the same keys the browser client used.
type SessionStore struct {
	repo *SQLiteRepository
}

func NewSessionStore(repo *SQLiteRepository) *SessionStore {
	return &SessionStore{repo: repo}
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) Load(ctx context.Context) (session.Session, error) {
	access, err := s.get(ctx, session.KeyAccessToken)
	if err != nil {
		return session.Session{}, err
	}
	refresh, err := s.get(ctx, session.KeyRefreshToken)
	if err != nil {
		return session.Session{}, err
	}
	out := session.Session{AccessToken: access, RefreshToken: refresh}
	if out.IsZero() {
		return session.Session{}, session.ErrNoSession
	}
	return out, nil
}

func (s *SessionStore) get(ctx context.Context, key string) (string, error) {
	v, err := s.repo.GetState(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (s *SessionStore) Save(ctx context.Context, sess session.Session) error {
	return s.repo.inTx(ctx, func(q *Queries) error {
		for key, value := range map[string]string{
			session.KeyAccessToken:  sess.AccessToken,
			session.KeyRefreshToken: sess.RefreshToken,
		} {
			var err error
			if value == "" {
				err = q.DeleteState(ctx, key)
			} else {
				err = q.SetState(ctx, key, value)
			}
			if err != nil {
				return fmt.Errorf("save %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SessionStore) Clear(ctx context.Context) error {
	return s.repo.inTx(ctx, func(q *Queries) error {
		if err := q.DeleteState(ctx, session.KeyAccessToken); err != nil {
			return err
		}
		return q.DeleteState(ctx, session.KeyRefreshToken)
	})
}

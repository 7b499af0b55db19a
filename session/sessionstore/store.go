// Package sessionstore persists the session record on the durable key-value
// store. Loading is fail closed: a record missing any required field, or one
// that does not decode, is discarded wholesale rather than partially
// hydrated. Save and Clear never propagate storage failures because loss of
// persistence must not take down the live session.
package sessionstore

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/formcraft/synckit/internal/utils"
	"github.com/formcraft/synckit/remote"
	"github.com/formcraft/synckit/session"
	"github.com/formcraft/synckit/storage"
)

const sessionKey = "session"

// Store reads and writes the single session record.
type Store struct {
	kv  storage.KV
	log zerolog.Logger
}

// New creates a Store over kv.
func New(kv storage.KV, log zerolog.Logger) *Store {
	return &Store{kv: kv, log: log}
}

// storedSession uses pointer fields so an absent field is distinguishable
// from a zero value, and a mistyped field fails the decode outright.
type storedSession struct {
	UserID       *int64               `json:"user_id"`
	Username     *string              `json:"username"`
	Email        *string              `json:"email"`
	DisplayName  *string              `json:"display_name"`
	AvatarURL    *string              `json:"avatar_url,omitempty"`
	Token        *string              `json:"token"`
	RefreshToken *string              `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at"`
	Subscription *remote.Subscription `json:"subscription,omitempty"`
}

func (ss *storedSession) validate() bool {
	switch {
	case ss.Token == nil || *ss.Token == "":
		return false
	case ss.UserID == nil:
		return false
	case ss.Username == nil:
		return false
	case ss.Email == nil:
		return false
	case ss.DisplayName == nil:
		return false
	case ss.ExpiresAt == nil || ss.ExpiresAt.IsZero():
		return false
	}
	return true
}

// Load returns the persisted session, or nil when none exists or the record
// fails validation. An invalid record is deleted so it is not retried.
func (s *Store) Load() *session.Session {
	data, err := s.kv.Get(sessionKey)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("session record unreadable")
		return nil
	}

	var ss storedSession
	if err := json.Unmarshal(data, &ss); err != nil {
		s.log.Warn().Err(err).Msg("session record corrupt, discarding")
		s.Clear()
		return nil
	}
	if !ss.validate() {
		s.log.Warn().Msg("session record missing required fields, discarding")
		s.Clear()
		return nil
	}

	return &session.Session{
		UserID:       *ss.UserID,
		Username:     *ss.Username,
		Email:        *ss.Email,
		DisplayName:  *ss.DisplayName,
		AvatarURL:    utils.Value(ss.AvatarURL),
		Token:        *ss.Token,
		RefreshToken: utils.Value(ss.RefreshToken),
		ExpiresAt:    *ss.ExpiresAt,
		Subscription: ss.Subscription,
	}
}

// Save persists sess, logging and continuing on storage failure.
func (s *Store) Save(sess *session.Session) {
	if sess == nil {
		return
	}
	record := storedSession{
		UserID:       utils.Ptr(sess.UserID),
		Username:     utils.Ptr(sess.Username),
		Email:        utils.Ptr(sess.Email),
		DisplayName:  utils.Ptr(sess.DisplayName),
		Token:        utils.Ptr(sess.Token),
		ExpiresAt:    utils.Ptr(sess.ExpiresAt),
		Subscription: sess.Subscription,
	}
	if sess.AvatarURL != "" {
		record.AvatarURL = utils.Ptr(sess.AvatarURL)
	}
	if sess.RefreshToken != "" {
		record.RefreshToken = utils.Ptr(sess.RefreshToken)
	}
	data, err := json.Marshal(record)
	if err != nil {
		s.log.Error().Err(err).Msg("session record marshal failed")
		return
	}
	if err := s.kv.Put(sessionKey, data); err != nil {
		s.log.Error().Err(err).Msg("session record write failed")
	}
}

// Clear removes the persisted record, logging and continuing on failure.
func (s *Store) Clear() {
	if err := s.kv.Delete(sessionKey); err != nil {
		s.log.Error().Err(err).Msg("session record delete failed")
	}
}

// Package flagbus ingests externally published risk flags and serves
// them to the verdict engine. Flags arrive on a Kafka topic keyed by
// session and expire after a TTL so a stale flag cannot block forever.
package flagbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

// flagEvent is the wire shape on the risk-flag topic.
type flagEvent struct {
	SessionID string `json:"session_id"`
	Flag      string `json:"flag"`
	TTLSec    int    `json:"ttl_sec,omitempty"`
}

type flagEntry struct {
	flag      string
	expiresAt time.Time
}

// Store holds the current risk flags per session.
type Store struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	flags      map[string][]flagEntry
	now        func() time.Time
}

func NewStore(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	return &Store{
		defaultTTL: defaultTTL,
		flags:      make(map[string][]flagEntry),
		now:        time.Now,
	}
}

// Set records a flag for a session. A zero ttl takes the default.
func (s *Store) Set(sessionID, flag string, ttl time.Duration) {
	sessionID = strings.TrimSpace(sessionID)
	flag = strings.TrimSpace(flag)
	if sessionID == "" || flag == "" {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[sessionID] = append(s.flags[sessionID], flagEntry{
		flag:      flag,
		expiresAt: s.now().Add(ttl),
	})
}

// Flags returns the live flags for a session, dropping expired ones.
func (s *Store) Flags(sessionID string) []string {
	if sessionID == "" {
		return nil
	}
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.flags[sessionID]
	if len(entries) == 0 {
		return nil
	}
	live := entries[:0]
	var out []string
	for _, e := range entries {
		if now.After(e.expiresAt) {
			continue
		}
		live = append(live, e)
		out = append(out, e.flag)
	}
	if len(live) == 0 {
		delete(s.flags, sessionID)
	} else {
		s.flags[sessionID] = live
	}
	return out
}

func (s *Store) nowFunc() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Run consumes the topic until ctx is cancelled, feeding the store.
// Malformed records are logged and skipped.
func Run(ctx context.Context, consumer Consumer, store *Store) {
	if consumer == nil || store == nil {
		return
	}
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("flagbus: read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var ev flagEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("flagbus: malformed event skipped: %v", err)
			continue
		}
		store.Set(ev.SessionID, ev.Flag, time.Duration(ev.TTLSec)*time.Second)
	}
}

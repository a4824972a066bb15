package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/pkg/logger"
)

type Bucket int

const (
	Today Bucket = iota
	Yesterday
	Older
)

const bucketCount = 3

var (
	ErrSlotsExhausted = errors.New("maximum number of sessions reached, delete a conversation first")
	ErrInvalidSlot    = errors.New("no session in that slot")
	ErrUnknownBucket  = errors.New("unknown session bucket")
)

func (b Bucket) String() string {
	switch b {
	case Today:
		return "today"
	case Yesterday:
		return "yesterday"
	case Older:
		return "older"
	default:
		return "unknown"
	}
}

func ParseBucket(s string) (Bucket, error) {
	switch s {
	case "today", "0":
		return Today, nil
	case "yesterday", "1":
		return Yesterday, nil
	case "older", "2":
		return Older, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBucket, s)
}

// Classify buckets a session by the calendar distance between its last turn and now.
func Classify(last, now time.Time) Bucket {
	last = last.In(now.Location())
	a := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch int(b.Sub(a).Hours() / 24) {
	case 0:
		return Today
	case 1:
		return Yesterday
	default:
		return Older
	}
}

type Allocation struct {
	ChatID     string
	Bucket     Bucket
	Index      int
	Visibility []bool
}

type Released struct {
	ChatID     string
	Bucket     Bucket
	Visibility []bool
}

// Snapshot is a copy of one user's slots; "" marks a free slot.
type Snapshot struct {
	Buckets [bucketCount][]string
}

func (s Snapshot) Visibility(b Bucket) []bool {
	return visibility(s.Buckets[b])
}

type slots [bucketCount][]string

// Registry tracks each user's fixed-size session slots.
type Registry struct {
	mu    sync.Mutex
	max   int
	users map[string]*slots
	newID func() string
}

func NewRegistry(maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &Registry{
		max:   maxSessions,
		users: make(map[string]*slots),
		newID: func() string { return uuid.NewString() },
	}
}

func (r *Registry) MaxSessions() int {
	return r.max
}

func (r *Registry) slotsFor(userID string) *slots {
	s, ok := r.users[userID]
	if !ok {
		s = r.empty()
		r.users[userID] = s
	}
	return s
}

func (r *Registry) empty() *slots {
	var s slots
	for b := range s {
		s[b] = make([]string, r.max)
	}
	return &s
}

// Allocate claims the first free today slot, scanning from the last index down.
func (r *Registry) Allocate(userID string) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotsFor(userID)
	today := s[Today]
	for i := len(today) - 1; i >= 0; i-- {
		if today[i] != "" {
			continue
		}
		today[i] = r.newID()
		metrics.SessionAllocations.WithLabelValues("ok").Inc()
		logger.Info("Session allocated",
			zap.String("user_id", userID),
			zap.String("chat_id", today[i]),
			zap.Int("index", i),
		)
		return Allocation{ChatID: today[i], Bucket: Today, Index: i, Visibility: visibility(today)}, nil
	}

	metrics.SessionAllocations.WithLabelValues("exhausted").Inc()
	logger.Warn("Session slots exhausted", zap.String("user_id", userID), zap.Int("max", r.max))
	return Allocation{}, ErrSlotsExhausted
}

// Release frees the slot at index if it still holds chatID. Slots in front of
// it move one step back so occupied slots stay contiguous at the end and keep
// their order.
func (r *Registry) Release(userID string, bucket Bucket, index int, chatID string) (Released, error) {
	if bucket < Today || bucket > Older {
		return Released{}, ErrUnknownBucket
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotsFor(userID)
	row := s[bucket]
	if index < 0 || index >= len(row) || row[index] == "" || row[index] != chatID {
		return Released{}, ErrInvalidSlot
	}

	copy(row[1:index+1], row[:index])
	row[0] = ""

	logger.Info("Session released",
		zap.String("user_id", userID),
		zap.String("chat_id", chatID),
		zap.String("bucket", bucket.String()),
		zap.Int("index", index),
	)
	return Released{ChatID: chatID, Bucket: bucket, Visibility: visibility(row)}, nil
}

// Load rebuilds a user's slots from stored sessions. Each bucket fills from
// its last index backward; sessions beyond capacity are dropped.
func (r *Registry) Load(userID string, sessions []models.SessionSummary, now time.Time) Snapshot {
	s := r.empty()
	next := [bucketCount]int{r.max - 1, r.max - 1, r.max - 1}

	for _, sess := range sessions {
		b := Classify(sess.LastDate, now)
		if next[b] < 0 {
			logger.Warn("Session dropped on reload, bucket full",
				zap.String("user_id", userID),
				zap.String("chat_id", sess.ChatID),
				zap.String("bucket", b.String()),
			)
			continue
		}
		s[b][next[b]] = sess.ChatID
		next[b]--
	}

	r.mu.Lock()
	r.users[userID] = s
	r.mu.Unlock()

	return snapshot(s)
}

func (r *Registry) Snapshot(userID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.slotsFor(userID))
}

func (r *Registry) Owns(userID, chatID string) bool {
	if chatID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.users[userID]
	if !ok {
		return false
	}
	for _, row := range s {
		for _, id := range row {
			if id == chatID {
				return true
			}
		}
	}
	return false
}

func snapshot(s *slots) Snapshot {
	var out Snapshot
	for b, row := range s {
		out.Buckets[b] = append([]string(nil), row...)
	}
	return out
}

func visibility(row []string) []bool {
	v := make([]bool, len(row))
	for i, id := range row {
		v[i] = id != ""
	}
	return v
}

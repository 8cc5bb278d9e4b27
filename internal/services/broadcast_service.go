package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/ratelimit"
)

// BroadcastManager is the part of integrations.Manager a broadcast needs.
type BroadcastManager interface {
	ConnectedPlatforms() []models.Platform
	BroadcastTo(ctx context.Context, platforms []models.Platform, text, chatID string) ([]*models.Message, error)
}

// BroadcastService fans a caller's message out over the system adapters.
// Every platform send counts against the caller's per-platform window, the
// same budget direct sends draw from.
type BroadcastService struct {
	manager BroadcastManager
	limiter *ratelimit.SlidingWindow
}

func NewBroadcastService(manager BroadcastManager, limiter *ratelimit.SlidingWindow) *BroadcastService {
	return &BroadcastService{manager: manager, limiter: limiter}
}

// Broadcast reserves one slot per connected platform and sends only where a
// slot was granted. Slots of platforms whose send failed are handed back.
// When every platform is over its limit the first *ratelimit.ExceededError is
// returned; with no connected platform the manager's error is.
func (s *BroadcastService) Broadcast(ctx context.Context, userID uuid.UUID, text, chatID string) ([]*models.Message, error) {
	connected := s.manager.ConnectedPlatforms()
	if len(connected) == 0 {
		return s.manager.BroadcastTo(ctx, []models.Platform{}, text, chatID)
	}

	admitted := make([]models.Platform, 0, len(connected))
	reservations := make(map[models.Platform]*ratelimit.Reservation, len(connected))
	var refused error
	for _, p := range connected {
		if s.limiter == nil {
			admitted = append(admitted, p)
			continue
		}
		res, err := s.limiter.Reserve(ratelimit.Key(userID.String(), p))
		if err != nil {
			log.Printf("WARN [BroadcastService] Broadcast: UserID %s skipped on %s: %v", userID, p, err)
			if refused == nil {
				refused = err
			}
			continue
		}
		admitted = append(admitted, p)
		reservations[p] = res
	}
	if len(admitted) == 0 {
		return nil, refused
	}

	sent, err := s.manager.BroadcastTo(ctx, admitted, text, chatID)
	delivered := make(map[models.Platform]bool, len(sent))
	for _, msg := range sent {
		delivered[msg.Platform] = true
	}
	for p, res := range reservations {
		if !delivered[p] {
			res.Cancel()
		}
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[BroadcastService] Broadcast: UserID %s reached %d of %d platforms", userID, len(sent), len(connected))
	return sent, nil
}

// IsRateLimited reports whether err is a refused broadcast and how long to wait.
func IsRateLimited(err error) (bool, time.Duration) {
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return true, exceeded.RetryAfter
	}
	return errors.Is(err, models.ErrRateLimitExceeded), 0
}

// Package token manages single-use task tokens. A token represents
// one suspended execution step waiting for exactly one external
// answer; resolution is at-most-once, enforced by a conditional store
// update.
package token

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/reactor/internal/domain"
	"github.com/loopwork/reactor/internal/store"
	"github.com/loopwork/reactor/internal/taxonomy"
)

// Timeouter is notified when a pending token expires. Implemented by
// the workflow engine.
type Timeouter interface {
	HandleTokenTimeout(ctx context.Context, token *domain.TaskToken)
}

// Manager issues and resolves task tokens.
type Manager struct {
	store         store.Store
	sweepInterval time.Duration
	timeouter     Timeouter
}

// NewManager creates a token manager.
func NewManager(st store.Store, sweepInterval time.Duration) *Manager {
	return &Manager{store: st, sweepInterval: sweepInterval}
}

// SetTimeouter wires the expiry callback. Must be called before
// RunExpirySweep.
func (m *Manager) SetTimeouter(t Timeouter) {
	m.timeouter = t
}

// Issue creates a pending token for an execution step.
func (m *Manager) Issue(ctx context.Context, executionID string, kind domain.TokenKind, ttl time.Duration) (*domain.TaskToken, error) {
	token := &domain.TaskToken{
		Token:       "tok_" + uuid.New().String(),
		ExecutionID: executionID,
		Kind:        kind,
		Status:      domain.TokenStatusPending,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(ttl),
	}
	if err := m.store.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Redeem resolves a token exactly once and returns it. A second
// redemption, an expired token, and an unknown token each fail with
// their own code so callers can answer precisely.
func (m *Manager) Redeem(ctx context.Context, token string) (*domain.TaskToken, error) {
	tok, err := m.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, taxonomy.New(taxonomy.CodeTokenNotFound, "no such token")
	}

	won, err := m.store.ResolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !won {
		// Re-read to report why the resolution lost.
		tok, err = m.store.GetToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if tok != nil && tok.Status == domain.TokenStatusExpired {
			return nil, taxonomy.New(taxonomy.CodeTokenExpired, "token expired before resolution")
		}
		return nil, taxonomy.New(taxonomy.CodeTokenAlreadyResolved, "token was already resolved")
	}

	// The resolve won but the token was already past its deadline with
	// the sweep not yet run. Late answers lose to the clock — and the
	// winning resolve hides the token from the sweep, so the timeout
	// must run from here. Winning the resolve makes this the only
	// caller that can reach it.
	if time.Now().After(tok.ExpiresAt) {
		tok.Status = domain.TokenStatusExpired
		if m.timeouter != nil {
			m.timeouter.HandleTokenTimeout(ctx, tok)
		}
		return nil, taxonomy.New(taxonomy.CodeTokenExpired, "token expired before resolution")
	}
	return tok, nil
}

// RunExpirySweep periodically expires overdue pending tokens and
// notifies the timeouter once per token.
func (m *Manager) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(ctx)
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	expired, err := m.store.ListExpiredTokens(sweepCtx, 100)
	if err != nil {
		log.Printf("WARN: token expiry sweep failed: %v", err)
		return
	}

	for i := range expired {
		tok := expired[i]
		won, err := m.store.ExpireToken(sweepCtx, tok.Token)
		if err != nil {
			log.Printf("WARN: failed to expire token %s: %v", tok.Token, err)
			continue
		}
		if !won {
			// Resolved between listing and expiry; the answer wins.
			continue
		}
		tok.Status = domain.TokenStatusExpired
		if m.timeouter != nil {
			m.timeouter.HandleTokenTimeout(sweepCtx, &tok)
		}
	}
}

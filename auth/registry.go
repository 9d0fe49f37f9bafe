package auth

import (
	"context"

	"gatekeeper.evalgo.org/cache"
)

// register appends refreshToken to the user's token registry. Tokens evicted
// to respect MaxRefreshTokensPerUser are blacklisted.
//
// Without AtomicRegistry this is a read-modify-write: two concurrent logins
// for one user can each read the same list and the later write wins, leaving
// an extra live token out of the registry.
func (m *Manager) register(ctx context.Context, userID, refreshToken string) error {
	key := userTokensKey(userID)
	max := m.cfg.MaxRefreshTokensPerUser

	if appender, ok := m.store.(cache.CappedAppender); ok && m.cfg.AtomicRegistry {
		evicted, err := appender.AppendCapped(ctx, key, refreshToken, max, m.cfg.RefreshTokenTTL)
		if err != nil {
			return err
		}
		for _, token := range evicted {
			if err := m.blacklist(ctx, token, m.cfg.RefreshTokenTTL); err != nil {
				return err
			}
		}
		return nil
	}

	var tokens []string
	if err := m.store.Get(ctx, key, &tokens); err != nil && !cache.IsMiss(err) {
		return err
	}

	if max > 0 {
		for len(tokens) >= max {
			if err := m.blacklist(ctx, tokens[0], m.cfg.RefreshTokenTTL); err != nil {
				return err
			}
			tokens = tokens[1:]
		}
	}
	tokens = append(tokens, refreshToken)

	return m.store.Set(ctx, key, tokens, m.cfg.RefreshTokenTTL)
}

// unregister removes refreshToken from the user's registry, deleting the
// registry when it becomes empty.
func (m *Manager) unregister(ctx context.Context, userID, refreshToken string) error {
	key := userTokensKey(userID)

	var tokens []string
	err := m.store.Get(ctx, key, &tokens)
	if cache.IsMiss(err) {
		return nil
	}
	if err != nil {
		return err
	}

	kept := tokens[:0]
	for _, token := range tokens {
		if token != refreshToken {
			kept = append(kept, token)
		}
	}
	if len(kept) == len(tokens) {
		return nil
	}
	if len(kept) == 0 {
		return m.store.Delete(ctx, key)
	}
	return m.store.Set(ctx, key, kept, m.cfg.RefreshTokenTTL)
}

package store

import (
	"context"
	"encoding/json"
	"time"
)

const defaultPolicyTTL = 5 * time.Second

// PolicyCache decorates a Repository with short-TTL caching of policy
// documents. The engine reads the policy on every execution; caching keeps
// the hot path off Postgres while writes invalidate immediately on this
// instance and age out within the TTL elsewhere.
type PolicyCache struct {
	Repository
	cache Cache
	ttl   time.Duration
}

func NewPolicyCache(repo Repository, cache Cache, ttl time.Duration) *PolicyCache {
	if ttl <= 0 {
		ttl = defaultPolicyTTL
	}
	return &PolicyCache{Repository: repo, cache: cache, ttl: ttl}
}

func policyKey(projectID string) string {
	return "policy:" + projectID
}

func (p *PolicyCache) GetPolicy(ctx context.Context, projectID string) (map[string]any, error) {
	if raw, err := p.cache.Get(ctx, policyKey(projectID)); err == nil && raw != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err == nil {
			return doc, nil
		}
	}
	doc, err := p.Repository.GetPolicy(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(doc); err == nil {
		// cache errors are ignored: the repository stays authoritative
		_ = p.cache.Set(ctx, policyKey(projectID), string(encoded), p.ttl)
	}
	return doc, nil
}

func (p *PolicyCache) SetPolicy(ctx context.Context, projectID string, doc map[string]any) error {
	if err := p.Repository.SetPolicy(ctx, projectID, doc); err != nil {
		return err
	}
	_ = p.cache.Del(ctx, policyKey(projectID))
	return nil
}

func (p *PolicyCache) PurgeProject(ctx context.Context, id string) error {
	if err := p.Repository.PurgeProject(ctx, id); err != nil {
		return err
	}
	_ = p.cache.Del(ctx, policyKey(id))
	return nil
}

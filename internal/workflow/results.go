package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"promptchain/internal/store"
)

func ResultKey(contextID, stageID string) string {
	return "result::" + contextID + "::" + stageID
}

func LastMessageKey(channelID string) string {
	return "lastmsg::" + channelID
}

// Results persists stage results and per-channel message bookkeeping on a
// key/value store. Each write is one critical section.
type Results struct {
	kv store.KV
	mu sync.Mutex
}

func NewResults(kv store.KV) *Results {
	if kv == nil {
		kv = store.NewMemory()
	}
	return &Results{kv: kv}
}

func (r *Results) Save(ctx context.Context, contextID string, result StageResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode stage result: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Set(ctx, ResultKey(contextID, result.StageID), payload); err != nil {
		return fmt.Errorf("persist stage %s: %w", result.StageID, err)
	}
	return nil
}

func (r *Results) Load(ctx context.Context, contextID, stageID string) (StageResult, bool, error) {
	raw, ok, err := r.kv.Get(ctx, ResultKey(contextID, stageID))
	if err != nil || !ok {
		return StageResult{}, false, err
	}
	var result StageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return StageResult{}, false, fmt.Errorf("decode stage %s: %w", stageID, err)
	}
	return result, true, nil
}

// LastMessage returns the newest message id recorded for a channel.
func (r *Results) LastMessage(ctx context.Context, channelID string) (string, error) {
	if strings.TrimSpace(channelID) == "" {
		return "", nil
	}
	raw, ok, err := r.kv.Get(ctx, LastMessageKey(channelID))
	if err != nil || !ok {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("decode last message of %s: %w", channelID, err)
	}
	return id, nil
}

func (r *Results) SetLastMessage(ctx context.Context, channelID, messageID string) error {
	if strings.TrimSpace(channelID) == "" || strings.TrimSpace(messageID) == "" {
		return nil
	}
	payload, _ := json.Marshal(messageID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.Set(ctx, LastMessageKey(channelID), payload)
}

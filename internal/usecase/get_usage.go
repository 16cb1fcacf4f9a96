package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenoISA/isA-user-sub009/internal/domain/usage"
	"github.com/xenoISA/isA-user-sub009/internal/domain/wallet"
)

type UsageSummaryDTO struct {
	UserID       string  `json:"user_id"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Balance      float64 `json:"balance"`
}

type GetUsage struct {
	redisClient *redis.Client
	usageRepo   usage.Repository
	walletRepo  wallet.Repository
}

func NewGetUsage(redisClient *redis.Client, usageRepo usage.Repository, walletRepo wallet.Repository) *GetUsage {
	return &GetUsage{
		redisClient: redisClient,
		usageRepo:   usageRepo,
		walletRepo:  walletRepo,
	}
}

// Execute returns a user's aggregated usage and current balance, served from
// a short-lived cache so the dashboard can poll it cheaply.
func (uc *GetUsage) Execute(ctx context.Context, userID string) (*UsageSummaryDTO, error) {
	cacheKey := fmt.Sprintf("usage:%s", userID)

	if uc.redisClient != nil {
		val, err := uc.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			var summary UsageSummaryDTO
			if err := json.Unmarshal([]byte(val), &summary); err == nil {
				return &summary, nil
			}
		}
	}

	totals, err := uc.usageRepo.TotalsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get usage totals: %w", err)
	}

	w, err := uc.walletRepo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	summary := &UsageSummaryDTO{
		UserID:       userID,
		Requests:     totals.Requests,
		InputTokens:  totals.InputTokens,
		OutputTokens: totals.OutputTokens,
		Balance:      w.Balance,
	}

	if uc.redisClient != nil {
		data, _ := json.Marshal(summary)
		// Short TTL so freshly billed usage shows up quickly
		uc.redisClient.Set(ctx, cacheKey, data, 1*time.Second)
	}

	return summary, nil
}

package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

const (
	defaultRecipientLimit = 100
	maxRecipientLimit     = 1000
	defaultHistoryLimit   = 52
	maxHistoryLimit       = 1000
)

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	snap, err := s.deps.Store.GetSnapshot(r.Context(), key)
	if err != nil {
		respondAppError(w, r, notFound(err, "snapshot", key))
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.distribution(r.Context(), mux.Vars(r)["cycleKey"])
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dist)
}

// handleListRecipients pages recipients in descending credited-balance order
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	filter := storage.RecipientFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := parsePayoutStatus(raw)
		if err != nil {
			respondAppError(w, r, err)
			return
		}
		filter.Status = status
	}
	limit, err := queryInt(r, "limit", defaultRecipientLimit, 1, maxRecipientLimit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	dist, err := s.distribution(r.Context(), mux.Vars(r)["cycleKey"])
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	recipients, err := s.deps.Store.ListRecipients(r.Context(), dist.ID, filter)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("list recipients", err))
		return
	}
	if recipients == nil {
		recipients = []models.Recipient{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cycleKey":   dist.CycleKey,
		"recipients": recipients,
		"count":      len(recipients),
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	dist, err := s.distribution(r.Context(), mux.Vars(r)["cycleKey"])
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	batches, err := s.deps.Store.ListBatches(r.Context(), dist.ID)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("list batches", err))
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cycleKey": dist.CycleKey,
		"batches":  batches,
		"count":    len(batches),
	})
}

// handleHolderHistory reads archived balances; unavailable without ClickHouse
func (s *Server) handleHolderHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		respondAppError(w, r, apperrors.NewServiceUnavailableError("holder history archive"))
		return
	}
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		respondAppError(w, r, apperrors.NewInvalidParameterError("address", "must be a 0x-prefixed 20-byte hex address"))
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit, 1, maxHistoryLimit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	address = strings.ToLower(address)
	points, err := s.deps.Archive.History(r.Context(), address, limit)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("holder history", err))
		return
	}
	if points == nil {
		points = []storage.HolderBalancePoint{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"history": points,
		"count":   len(points),
	})
}

func (s *Server) distribution(ctx context.Context, cycleKey string) (*models.Distribution, error) {
	dist, err := s.deps.Store.GetDistribution(ctx, cycleKey)
	if err != nil {
		return nil, notFound(err, "distribution", cycleKey)
	}
	return dist, nil
}

// notFound maps a store miss to 404 and anything else to a database error
func notFound(err error, resource, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError(resource, id)
	}
	return apperrors.NewDatabaseError("get "+resource, err)
}

func parsePayoutStatus(raw string) (types.PayoutStatus, error) {
	switch status := types.PayoutStatus(raw); status {
	case types.PayoutPending, types.PayoutQueued, types.PayoutProcessing, types.PayoutCompleted, types.PayoutFailed:
		return status, nil
	}
	return "", apperrors.NewInvalidParameterError("status", "must be one of pending, queued, processing, completed, failed")
}

package store

import (
	"encoding/json"
	"log/slog"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeFeatures serializes a feature list for a text column.
func encodeFeatures(features []string) (string, error) {
	if len(features) == 0 {
		return "", nil
	}
	b, err := json.Marshal(features)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeFeatures parses a feature list column. Malformed data yields an empty
// list rather than a failed read.
func decodeFeatures(raw string) []string {
	if raw == "" {
		return nil
	}
	var features []string
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		slog.Warn("store: malformed features column, ignoring", "error", err)
		return nil
	}
	return features
}

// statsFromTotals derives the reported statistics from raw counters.
func statsFromTotals(provider string, total, success, totalLatency int64) models.ProviderStats {
	stats := models.ProviderStats{
		Provider:     provider,
		TotalCalls:   total,
		SuccessCalls: success,
	}
	if total > 0 {
		stats.SuccessRate = float64(success) / float64(total)
		stats.AvgLatencyMs = float64(totalLatency) / float64(total)
	}
	return stats
}

// reverseMessages flips a newest-first query result into oldest-first order.
func reverseMessages(msgs []models.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

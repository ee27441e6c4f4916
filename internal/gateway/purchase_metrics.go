package gateway

import (
	"context"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/admin"
	"github.com/rcourtman/funnelgate/internal/gateway/gwmetrics"
	"github.com/rcourtman/funnelgate/internal/gateway/ledger"
	"github.com/rs/zerolog/log"
)

const purchaseStatusMetricsInterval = 30 * time.Second

func runPurchaseStatusMetrics(ctx context.Context, purchases admin.PurchaseReader) {
	ticker := time.NewTicker(purchaseStatusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updatePurchaseStatusGauges(ctx, purchases)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updatePurchaseStatusGauges(ctx, purchases)
		}
	}
}

func updatePurchaseStatusGauges(ctx context.Context, purchases admin.PurchaseReader) {
	counts, err := purchases.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update purchase status metrics")
		return
	}

	known := []ledger.Status{ledger.StatusPaid, ledger.StatusUnpaid, ledger.StatusRefunded}
	seen := make(map[ledger.Status]struct{}, len(known))

	// Ensure stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		gwmetrics.PurchasesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		gwmetrics.PurchasesByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}

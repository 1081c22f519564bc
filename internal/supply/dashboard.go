package supply

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/supply-chalao/internal/model"
)

// Dashboard is everything the dashboard page shows below the greeting.
type Dashboard struct {
	Recent []model.Order
	Stats  model.OrderStats
}

// LoadDashboard fetches the recent orders and the counters concurrently.
func (s *Orders) LoadDashboard(ctx context.Context, userID string) (Dashboard, error) {
	var d Dashboard
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recent, err := s.Recent(ctx, userID, RecentOrders)
		d.Recent = recent
		return err
	})
	g.Go(func() error {
		stats, err := s.Stats(ctx, userID)
		d.Stats = stats
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

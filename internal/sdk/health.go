package sdk

import (
	"context"
	"errors"

	"github.com/rafaeljc/tollgate/internal/observability"
)

var errCampaignNotLoaded = errors.New("campaign not loaded")

// Checker reports down until the first campaign is published.
func (c *Client) Checker() observability.Checker {
	ready := c.campaigns.Ready()
	return observability.CheckFunc("campaign", func(ctx context.Context) error {
		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			return errCampaignNotLoaded
		}
	})
}

package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Lunary1/lunar-bot/internal/automation"
)

// Job names and the id of the batch scan's recurring job
const (
	JobScan      = "monitor:scan"
	JobCheckItem = "monitor:item"
	ScanJobID    = "monitor-scan"
)

// ScanOptions bounds the load of one batch scan
type ScanOptions struct {
	BatchSize  int
	BatchDelay time.Duration
}

// ScanReport summarizes one batch scan
type ScanReport struct {
	Products int
	Checked  int
	Failed   int
	Fired    int
	Elapsed  time.Duration
}

// Scan checks every active product in fixed-size batches. Products of a batch
// are checked concurrently; batches are separated by BatchDelay. A failing or
// panicking product is logged and counted, never aborting the scan.
func (c *Checker) Scan(ctx context.Context, opts ScanOptions) (ScanReport, error) {
	start := c.now()
	products, err := c.store.ListActiveProducts(ctx)
	if err != nil {
		return ScanReport{}, err
	}
	size := opts.BatchSize
	if size < 1 {
		size = 10
	}
	report := ScanReport{Products: len(products)}

	for i := 0; i < len(products); i += size {
		if i > 0 {
			if err := automation.Sleep(ctx, opts.BatchDelay); err != nil {
				return report, err
			}
		}
		end := i + size
		if end > len(products) {
			end = len(products)
		}
		batch := products[i:end]

		results := make([]*CheckResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for j, p := range batch {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						c.log.WithField("product_id", p.ID).Errorf("Product check panicked: %v", r)
					}
				}()
				res, err := c.CheckProduct(gctx, p.ID)
				if err != nil {
					c.log.WithError(err).WithField("product_id", p.ID).Warn("Product check failed")
					return nil
				}
				results[j] = res
				return nil
			})
		}
		g.Wait()

		for _, res := range results {
			if res == nil {
				report.Failed++
				continue
			}
			report.Checked++
			report.Fired += len(res.Fired)
		}
	}

	report.Elapsed = c.now().Sub(start)
	c.log.WithFields(logrus.Fields{
		"products": report.Products,
		"checked":  report.Checked,
		"failed":   report.Failed,
		"fired":    report.Fired,
		"elapsed":  report.Elapsed.Round(time.Millisecond),
	}).Info("Monitoring scan finished")
	return report, nil
}

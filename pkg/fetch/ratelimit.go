package fetch

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pacer spaces navigation starts across every slot of a crawl.
// A nil Pacer never waits.
type Pacer struct {
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewPacer returns nil when rps is zero or negative
func NewPacer(rps float64, log *logrus.Entry) *Pacer {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	log.WithFields(logrus.Fields{"rps": rps, "burst": burst}).Debug("Request pacing enabled")
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

// Wait blocks until the next request may start or ctx is done
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

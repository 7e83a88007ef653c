package jobs

import (
	"context"
	"time"

	"github.com/ccarella/daygent-sync/internal/config"
	"github.com/ccarella/daygent-sync/internal/repo"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reaper periodically fails sync jobs stuck in running and frees their
// repository slots. A job can be orphaned when the process dies between
// starting a sync and persisting its terminal state.
type Reaper struct {
	cfg  config.Config
	log  zerolog.Logger
	repo *repo.Repository
	c    *cron.Cron
}

func NewReaper(cfg config.Config, log zerolog.Logger, r *repo.Repository) *Reaper {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	rp := &Reaper{cfg: cfg, log: log, repo: r, c: c}
	_, _ = c.AddFunc(cfg.ReaperCron, rp.sweep)
	return rp
}

func (rp *Reaper) Start() { rp.c.Start() }
func (rp *Reaper) Stop()  { rp.c.Stop() }

func (rp *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute); defer cancel()
	const lockKey int64 = 731001
	ok, err := rp.repo.TryAdvisoryLock(ctx, lockKey)
	if err != nil { rp.log.Error().Err(err).Msg("reaper: lock error"); return }
	if !ok { rp.log.Info().Msg("reaper: already running elsewhere"); return }
	defer func() { _ = rp.repo.AdvisoryUnlock(context.Background(), lockKey) }()

	reaped, err := rp.repo.FailStaleJobs(ctx, rp.cfg.StaleJobAfter)
	if err != nil { rp.log.Error().Err(err).Msg("reaper: sweep failed"); return }
	if len(reaped) > 0 {
		ids := make([]string, 0, len(reaped))
		for _, id := range reaped { ids = append(ids, id.String()) }
		rp.log.Warn().Strs("job_ids", ids).Msg("reaper: failed stale sync jobs")
	}
}

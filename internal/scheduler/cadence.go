package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wadigest/wadigest/internal/models"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRegularRun computes the next cadence slot strictly after from.
// An evaluation falling exactly on a slot rolls over to the following one,
// so a slot never fires twice. Deterministic for a given (cadence, from).
func NextRegularRun(cadence models.Cadence, from time.Time) (time.Time, error) {
	spec, err := cadence.CronSpec()
	if err != nil {
		return time.Time{}, err
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cadence %q: %w", spec, err)
	}
	return schedule.Next(from.In(cadence.TimeLocation())), nil
}

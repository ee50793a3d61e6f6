package workflow

import (
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
)

// DueOccurrence is one scheduled slot the advancer found at or before asOf.
// Skipped occurrences still produce a run-history row, never a transaction.
type DueOccurrence struct {
	Due     time.Time
	Skipped bool
	Message string
	// ConsumesSkip marks the occurrence that ate the template's skip_next
	// flag; the posting unit clears the flag when it lands.
	ConsumesSkip bool
}

// ScheduleDecision is the advancer's verdict for one template at one instant.
type ScheduleDecision struct {
	Eligible bool
	// Occurrences in due order. Empty when nothing is due yet.
	Occurrences []DueOccurrence
	// NextDue is strictly after asOf whenever occurrences were consumed.
	NextDue time.Time
	// SkipConsumed tells the engine to clear the template's skip_next flag.
	SkipConsumed bool
	// Ended is set when the template ran past its EndDate; the runner
	// deactivates it after processing.
	Ended bool
}

// Advance computes everything due for tpl as of asOf. Pure: no clock reads,
// no I/O, no mutation of tpl. The caller persists NextDue and the control
// flags inside the posting unit.
//
// Stepping walks NextDue forward by IntervalValue units of Frequency while it
// is not after asOf. At most MaxMissedRuns occurrences are generated; an
// older surplus collapses into a single skipped entry describing the gap. A
// pending skip_next consumes exactly the first generated occurrence.
func Advance(tpl models.RecurringTransaction, asOf time.Time) (ScheduleDecision, error) {
	if !tpl.Frequency.Valid() || tpl.IntervalValue <= 0 {
		return ScheduleDecision{}, fmt.Errorf("template %d frequency=%q interval=%d: %w",
			tpl.ID, tpl.Frequency, tpl.IntervalValue, utils.ErrInvalidCadence)
	}

	decision := ScheduleDecision{NextDue: tpl.NextDue}
	if tpl.IsDeleted != nil && *tpl.IsDeleted {
		return decision, nil
	}
	if tpl.IsActive != nil && !*tpl.IsActive {
		return decision, nil
	}
	if tpl.PauseUntil != nil && !tpl.PauseUntil.Before(asOf) {
		return decision, nil
	}
	decision.Eligible = true

	maxRuns := tpl.MaxMissedRuns
	if maxRuns <= 0 {
		maxRuns = models.DefaultMaxMissedRuns
	}

	var due []time.Time
	cur := tpl.NextDue
	for !cur.After(asOf) {
		if tpl.EndDate != nil && cur.After(*tpl.EndDate) {
			decision.Ended = true
			break
		}
		due = append(due, cur)
		next, err := step(cur, tpl.Frequency, tpl.IntervalValue)
		if err != nil {
			return ScheduleDecision{}, err
		}
		if !next.After(cur) {
			return ScheduleDecision{}, fmt.Errorf("template %d schedule does not advance: %w", tpl.ID, utils.ErrInvalidCadence)
		}
		cur = next
	}
	decision.NextDue = cur

	if len(due) == 0 {
		return decision, nil
	}

	// Collapse a backlog beyond the cap: the oldest surplus becomes one
	// skipped entry, the newest maxRuns slots post normally.
	if len(due) > maxRuns {
		surplus := len(due) - maxRuns
		decision.Occurrences = append(decision.Occurrences, DueOccurrence{
			Due:     due[0],
			Skipped: true,
			Message: fmt.Sprintf("collapsed %d missed occurrences from %s to %s (max_missed_runs=%d)",
				surplus, due[0].Format("2006-01-02"), due[surplus-1].Format("2006-01-02"), maxRuns),
		})
		due = due[surplus:]
	}
	for _, d := range due {
		decision.Occurrences = append(decision.Occurrences, DueOccurrence{Due: d})
	}

	if tpl.SkipNext != nil && *tpl.SkipNext {
		for i := range decision.Occurrences {
			if !decision.Occurrences[i].Skipped {
				decision.Occurrences[i].Skipped = true
				decision.Occurrences[i].Message = "skip_next consumed"
				decision.Occurrences[i].ConsumesSkip = true
				decision.SkipConsumed = true
				break
			}
		}
	}
	return decision, nil
}

func step(t time.Time, frequency models.Frequency, interval int) (time.Time, error) {
	switch frequency {
	case models.FrequencyDaily:
		return t.AddDate(0, 0, interval), nil
	case models.FrequencyWeekly:
		return t.AddDate(0, 0, 7*interval), nil
	case models.FrequencyMonthly:
		return addMonths(t, interval), nil
	case models.FrequencyYearly:
		return addMonths(t, 12*interval), nil
	}
	return time.Time{}, fmt.Errorf("frequency %q: %w", frequency, utils.ErrInvalidCadence)
}

// addMonths advances by whole months, clamping the day-of-month to the target
// month's length (Jan 31 + 1 month = Feb 28, or Feb 29 in leap years).
// Go's AddDate would normalize the overflow into March instead.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	firstOfTarget := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	hour, minute, second := t.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, second, t.Nanosecond(), t.Location())
}

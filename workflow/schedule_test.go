package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
)

func monthlyTemplate(nextDue time.Time) models.RecurringTransaction {
	return models.RecurringTransaction{
		ID:            1,
		OwnerId:       1,
		Frequency:     models.FrequencyMonthly,
		IntervalValue: 1,
		NextDue:       nextDue,
		MaxMissedRuns: 12,
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAdvance_BacklogScenario(t *testing.T) {
	// monthly/1, next_due 2024-01-15, asOf 2024-04-20: four occurrences are
	// due (Jan, Feb, Mar, Apr 15) and the schedule lands strictly past asOf.
	tpl := monthlyTemplate(date(2024, time.January, 15))
	asOf := date(2024, time.April, 20)

	decision, err := Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Eligible {
		t.Fatal("template should be eligible")
	}
	want := []time.Time{
		date(2024, time.January, 15),
		date(2024, time.February, 15),
		date(2024, time.March, 15),
		date(2024, time.April, 15),
	}
	if len(decision.Occurrences) != len(want) {
		t.Fatalf("expected %d occurrences, got %d", len(want), len(decision.Occurrences))
	}
	for i, occ := range decision.Occurrences {
		if !occ.Due.Equal(want[i]) {
			t.Errorf("occurrence %d: expected %s, got %s", i, want[i], occ.Due)
		}
		if occ.Skipped {
			t.Errorf("occurrence %d: unexpected skip", i)
		}
	}
	if !decision.NextDue.Equal(date(2024, time.May, 15)) {
		t.Fatalf("expected NextDue 2024-05-15, got %s", decision.NextDue)
	}
}

func TestAdvance_MonthEndClamp(t *testing.T) {
	tpl := monthlyTemplate(date(2024, time.January, 31))
	asOf := date(2024, time.February, 15)

	decision, err := Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decision.Occurrences) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(decision.Occurrences))
	}
	// 2024 is a leap year: Jan 31 + 1 month clamps to Feb 29, not Mar 2.
	if !decision.NextDue.Equal(date(2024, time.February, 29)) {
		t.Fatalf("expected NextDue 2024-02-29, got %s", decision.NextDue)
	}
}

func TestAddMonths_Clamping(t *testing.T) {
	cases := []struct {
		in     time.Time
		months int
		want   time.Time
	}{
		{date(2023, time.January, 31), 1, date(2023, time.February, 28)},
		{date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{date(2024, time.January, 31), 3, date(2024, time.April, 30)},
		{date(2024, time.February, 29), 12, date(2025, time.February, 28)},
		{date(2024, time.March, 15), 1, date(2024, time.April, 15)},
		{date(2024, time.November, 30), 2, date(2025, time.January, 30)},
	}
	for _, tc := range cases {
		if got := addMonths(tc.in, tc.months); !got.Equal(tc.want) {
			t.Errorf("addMonths(%s, %d): expected %s, got %s", tc.in, tc.months, tc.want, got)
		}
	}
}

func TestAdvance_SkipNextConsumesOneOccurrence(t *testing.T) {
	skip := true
	tpl := monthlyTemplate(date(2024, time.January, 15))
	tpl.SkipNext = &skip
	asOf := date(2024, time.February, 20)

	decision, err := Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decision.Occurrences) != 2 {
		t.Fatalf("expected 2 occurrences, got %d", len(decision.Occurrences))
	}
	first := decision.Occurrences[0]
	if !first.Skipped || !first.ConsumesSkip {
		t.Fatalf("first occurrence should consume skip_next, got %+v", first)
	}
	if decision.Occurrences[1].Skipped {
		t.Fatal("second occurrence should post normally")
	}
	if !decision.SkipConsumed {
		t.Fatal("decision should report skip consumption")
	}
}

func TestAdvance_BacklogCapCollapsesSurplus(t *testing.T) {
	tpl := models.RecurringTransaction{
		ID:            2,
		OwnerId:       1,
		Frequency:     models.FrequencyDaily,
		IntervalValue: 1,
		NextDue:       date(2024, time.March, 1),
		MaxMissedRuns: 12,
	}
	asOf := date(2024, time.March, 31)

	decision, err := Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	// 31 days due, cap 12: one collapsed skip plus the newest 12.
	if len(decision.Occurrences) != 13 {
		t.Fatalf("expected 13 occurrences, got %d", len(decision.Occurrences))
	}
	if !decision.Occurrences[0].Skipped {
		t.Fatal("first occurrence should be the collapsed skip")
	}
	if decision.Occurrences[0].Message == "" {
		t.Fatal("collapsed skip should explain the gap")
	}
	for i, occ := range decision.Occurrences[1:] {
		if occ.Skipped {
			t.Errorf("occurrence %d should post normally", i+1)
		}
	}
	if !decision.Occurrences[12].Due.Equal(date(2024, time.March, 31)) {
		t.Fatalf("newest occurrence should be Mar 31, got %s", decision.Occurrences[12].Due)
	}
	if !decision.NextDue.Equal(date(2024, time.April, 1)) {
		t.Fatalf("expected NextDue 2024-04-01, got %s", decision.NextDue)
	}
}

func TestAdvance_InvalidCadence(t *testing.T) {
	tpl := monthlyTemplate(date(2024, time.January, 15))
	tpl.IntervalValue = 0
	if _, err := Advance(tpl, date(2024, time.February, 1)); !errors.Is(err, utils.ErrInvalidCadence) {
		t.Fatalf("expected ErrInvalidCadence, got %v", err)
	}

	tpl = monthlyTemplate(date(2024, time.January, 15))
	tpl.Frequency = "fortnightly"
	if _, err := Advance(tpl, date(2024, time.February, 1)); !errors.Is(err, utils.ErrInvalidCadence) {
		t.Fatalf("expected ErrInvalidCadence for unknown frequency, got %v", err)
	}
}

func TestAdvance_IneligibleTemplates(t *testing.T) {
	asOf := date(2024, time.June, 1)
	pastDue := date(2024, time.January, 15)

	inactive := false
	tpl := monthlyTemplate(pastDue)
	tpl.IsActive = &inactive
	decision, err := Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Eligible || len(decision.Occurrences) != 0 {
		t.Fatal("inactive template must not schedule")
	}

	deleted := true
	tpl = monthlyTemplate(pastDue)
	tpl.IsDeleted = &deleted
	decision, err = Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Eligible {
		t.Fatal("deleted template must not schedule")
	}

	pause := date(2024, time.July, 1)
	tpl = monthlyTemplate(pastDue)
	tpl.PauseUntil = &pause
	decision, err = Advance(tpl, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Eligible {
		t.Fatal("paused template must not schedule")
	}
	if !decision.NextDue.Equal(pastDue) {
		t.Fatal("ineligible template must keep its NextDue")
	}
}

func TestAdvance_PauseExpiredSchedules(t *testing.T) {
	pause := date(2024, time.February, 1)
	tpl := monthlyTemplate(date(2024, time.January, 15))
	tpl.PauseUntil = &pause

	decision, err := Advance(tpl, date(2024, time.March, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Eligible {
		t.Fatal("expired pause must not block scheduling")
	}
	if len(decision.Occurrences) != 2 {
		t.Fatalf("expected 2 occurrences, got %d", len(decision.Occurrences))
	}
}

func TestAdvance_EndDateStopsSchedule(t *testing.T) {
	end := date(2024, time.February, 20)
	tpl := monthlyTemplate(date(2024, time.January, 15))
	tpl.EndDate = &end

	decision, err := Advance(tpl, date(2024, time.May, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(decision.Occurrences) != 2 {
		t.Fatalf("expected 2 occurrences before the end date, got %d", len(decision.Occurrences))
	}
	if !decision.Ended {
		t.Fatal("decision should flag the template as ended")
	}
}

func TestAdvance_NextDueAlwaysAfterAsOf(t *testing.T) {
	frequencies := []models.Frequency{
		models.FrequencyDaily, models.FrequencyWeekly,
		models.FrequencyMonthly, models.FrequencyYearly,
	}
	start := date(2020, time.January, 31)
	for _, freq := range frequencies {
		for interval := 1; interval <= 3; interval++ {
			for dayOffset := 0; dayOffset < 500; dayOffset += 37 {
				tpl := models.RecurringTransaction{
					ID:            3,
					Frequency:     freq,
					IntervalValue: interval,
					NextDue:       start,
					MaxMissedRuns: 100,
				}
				asOf := start.AddDate(0, 0, dayOffset)
				decision, err := Advance(tpl, asOf)
				if err != nil {
					t.Fatal(err)
				}
				if len(decision.Occurrences) > 0 && !decision.NextDue.After(asOf) {
					t.Fatalf("freq=%s interval=%d asOf=%s: NextDue %s not after asOf",
						freq, interval, asOf, decision.NextDue)
				}
			}
		}
	}
}

func TestAdvance_NothingDueYet(t *testing.T) {
	tpl := monthlyTemplate(date(2024, time.June, 15))
	decision, err := Advance(tpl, date(2024, time.June, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Eligible {
		t.Fatal("template is eligible even when nothing is due")
	}
	if len(decision.Occurrences) != 0 {
		t.Fatalf("expected no occurrences, got %d", len(decision.Occurrences))
	}
	if !decision.NextDue.Equal(tpl.NextDue) {
		t.Fatal("NextDue must be unchanged when nothing is due")
	}
}

package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParser() cron.Parser {
	return cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
}

func TestSchedulesParse(t *testing.T) {
	parser := testParser()
	for _, spec := range []string{
		syncSchedule,
		curtailmentSchedule,
		priceHistorySchedule,
		energyUsageSchedule,
		spikeSchedule,
		demandSchedule,
	} {
		_, err := parser.Parse(spec)
		assert.NoError(t, err, spec)
	}
}

func TestSyncScheduleTrailsPeriodBoundary(t *testing.T) {
	sched, err := testParser().Parse(syncSchedule)
	require.NoError(t, err)

	// from a period boundary the fallback fires one minute in
	boundary := time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, boundary.Add(time.Minute), sched.Next(boundary))

	// and from just after that it waits for the next period
	assert.Equal(t,
		time.Date(2024, 6, 1, 10, 11, 0, 0, time.UTC),
		sched.Next(boundary.Add(61*time.Second)))
}

func TestSpikeAndDemandOffsets(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	spike, err := testParser().Parse(spikeSchedule)
	require.NoError(t, err)
	assert.Equal(t, base.Add(35*time.Second), spike.Next(base))

	demand, err := testParser().Parse(demandSchedule)
	require.NoError(t, err)
	assert.Equal(t, base.Add(45*time.Second), demand.Next(base))
}

func TestJobsCoverAllControllers(t *testing.T) {
	s := New(nil)
	names := make(map[string]bool)
	for _, j := range s.jobs() {
		names[j.name] = true
		require.NotNil(t, j.run, j.name)
	}
	for _, want := range []string{
		"sync_tou", "solar_curtailment", "save_price_history",
		"save_energy_usage", "monitor_spike", "demand_grid_charging",
	} {
		assert.True(t, names[want], want)
	}
}

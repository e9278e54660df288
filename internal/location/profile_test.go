package location

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRanked_UnfinalizedProfileIsReadOnly(t *testing.T) {
	p := &Profile{Locations: []KnownLocation{
		{Lat: 25.0, Long: 55.0, Weight: 1},
		{Lat: 25.1, Long: 55.0, Weight: 7},
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, []int{1, 0}, p.Ranked())
		}()
	}
	wg.Wait()

	assert.Nil(t, p.ranked)
}

func TestFinalize_CachesRanking(t *testing.T) {
	p := &Profile{
		Locations: []KnownLocation{
			{Lat: 25.2, Long: 55.0, Weight: 2},
			{Lat: 25.0, Long: 55.0, Weight: 5},
		},
		Hours: HourHistogram{10: 1},
		Week:  WeekHistogram{2: 1},
	}
	require.NoError(t, p.Finalize())

	assert.Equal(t, 25.0, p.Locations[0].Lat)
	assert.Equal(t, []int{0, 1}, p.ranked)
	assert.Equal(t, p.ranked, p.Ranked())
}

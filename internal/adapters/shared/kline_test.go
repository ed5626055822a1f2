package shared

import (
	"testing"

	"github.com/tidewave/marketws/internal/schema"
)

func bar(openTime int64, close string) schema.KlineBar {
	return schema.KlineBar{
		OpenTime:  openTime,
		CloseTime: openTime + 59_999,
		Open:      "1",
		Close:     close,
		High:      close,
		Low:       "1",
		Volume:    "10",
	}
}

func TestSeriesOrdersAscendingAndOverwritesInProgressBars(t *testing.T) {
	series := NewKlineSeries(100)
	series.Upsert(bar(1700000000000, "2"))
	series.Upsert(bar(1700000060000, "3"))

	bars := series.Ascending(0)
	if len(bars) != 2 {
		t.Fatalf("len = %d, want 2", len(bars))
	}
	if bars[0].OpenTime != 1700000000000 || bars[1].OpenTime != 1700000060000 {
		t.Fatalf("bars not ascending: %v", bars)
	}

	series.Upsert(bar(1700000000000, "9"))
	bars = series.Ascending(0)
	if len(bars) != 2 {
		t.Fatalf("overwrite grew series: %d", len(bars))
	}
	if bars[0].Close != "9" {
		t.Fatalf("in-progress bar not overwritten: %v", bars[0])
	}
}

func TestSeriesEvictsOldestOnOverflow(t *testing.T) {
	series := NewKlineSeries(3)
	for i := int64(0); i < 5; i++ {
		series.Upsert(bar(1700000000000+i*60000, "1"))
	}
	bars := series.Ascending(0)
	if len(bars) != 3 {
		t.Fatalf("len = %d, want 3", len(bars))
	}
	if bars[0].OpenTime != 1700000120000 {
		t.Fatalf("oldest retained = %d, want 1700000120000", bars[0].OpenTime)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime <= bars[i-1].OpenTime {
			t.Fatalf("open times not strictly increasing: %v", bars)
		}
	}
}

func TestAscendingTruncatesToMostRecent(t *testing.T) {
	series := NewKlineSeries(10)
	for i := int64(0); i < 6; i++ {
		series.Upsert(bar(1000+i, "1"))
	}
	bars := series.Ascending(2)
	if len(bars) != 2 {
		t.Fatalf("len = %d, want 2", len(bars))
	}
	if bars[0].OpenTime != 1004 || bars[1].OpenTime != 1005 {
		t.Fatalf("truncation kept wrong bars: %v", bars)
	}
}

func TestSeriesReset(t *testing.T) {
	series := NewKlineSeries(5)
	series.Upsert(bar(1, "1"))
	series.Reset()
	if series.Len() != 0 {
		t.Fatalf("len after reset = %d", series.Len())
	}
}

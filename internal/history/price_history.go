package history

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matchbook-io/matchbook"
)

// DailyPrice aggregates one day of trading. Open and close follow first and
// last trade timestamps, high and low the extremes. Prices are integer
// thousandths like everywhere else; VWAP is reported in quote units.
type DailyPrice struct {
	Open  int64           `json:"open"`
	Close int64           `json:"close"`
	High  int64           `json:"high"`
	Low   int64           `json:"low"`
	VWAP  decimal.Decimal `json:"vwap"`

	firstTS  int64
	lastTS   int64
	notional decimal.Decimal
	volume   int64
}

func (d *DailyPrice) addTrade(price, size, timestamp int64) {
	if d.volume == 0 || timestamp < d.firstTS {
		d.firstTS = timestamp
		d.Open = price
	}
	if d.volume == 0 || timestamp > d.lastTS {
		d.lastTS = timestamp
		d.Close = price
	}
	if d.volume == 0 || price > d.High {
		d.High = price
	}
	if d.volume == 0 || price < d.Low {
		d.Low = price
	}

	d.notional = d.notional.Add(decimal.NewFromInt(price).Mul(decimal.NewFromInt(size)))
	d.volume += size
}

func (d *DailyPrice) finish() {
	if d.volume == 0 {
		return
	}
	// notional/volume is the volume-weighted price in thousandths; shift to units.
	d.VWAP = d.notional.Div(decimal.NewFromInt(d.volume)).Shift(-3).Round(6)
}

// PriceHistory scans the trade log and aggregates per-day OHLC and VWAP for
// one month, given as MMYYYY (e.g. "042025"). Result keys are two-digit
// days. An empty map means no trading happened that month.
func (s *Store) PriceHistory(month string) (map[string]*DailyPrice, error) {
	if len(month) != 6 {
		return nil, fmt.Errorf("month must be MMYYYY, got %q", month)
	}
	m, err := strconv.Atoi(month[:2])
	if err != nil || m < 1 || m > 12 {
		return nil, fmt.Errorf("month must be MMYYYY, got %q", month)
	}
	y, err := strconv.Atoi(month[2:])
	if err != nil || y < 1970 {
		return nil, fmt.Errorf("month must be MMYYYY, got %q", month)
	}

	days := make(map[string]*DailyPrice)

	err = s.trades(func(trade *matchbook.Trade) error {
		ts := time.Unix(trade.Timestamp, 0).UTC()
		if ts.Year() != y || ts.Month() != time.Month(m) {
			return nil
		}

		key := fmt.Sprintf("%02d", ts.Day())
		day, ok := days[key]
		if !ok {
			day = &DailyPrice{}
			days[key] = day
		}
		day.addTrade(trade.Price, trade.Size, trade.Timestamp)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, day := range days {
		day.finish()
	}
	return days, nil
}

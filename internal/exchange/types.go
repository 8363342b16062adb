package exchange

import "time"

// TimeframeDaily 为默认K线周期。
const TimeframeDaily = "1d"

// HistoryRequest 描述一次历史K线拉取，区间为 [Start, End)。
type HistoryRequest struct {
	Symbol    string
	Timeframe string
	Start     time.Time
	End       time.Time
}

func (r HistoryRequest) normalize() HistoryRequest {
	if r.Timeframe == "" {
		r.Timeframe = TimeframeDaily
	}
	if r.End.IsZero() {
		r.End = time.Now().UTC()
	}
	return r
}

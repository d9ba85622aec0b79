package tradingday

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsTradingDay(t *testing.T) {
	testCases := []struct {
		name     string
		day      time.Time
		exchange string
		want     bool
	}{
		{"周一正常交易", date(2026, 1, 5), "NSE", true},
		{"周六休市", date(2026, 1, 10), "NSE", false},
		{"周日休市", date(2026, 1, 11), "BSE", false},
		{"共和国日休市", date(2026, 1, 26), "NSE", false},
		{"圣诞节休市", date(2026, 12, 25), "BSE", false},
		{"加密货币交易所周末也交易", date(2026, 1, 10), "BINANCE", true},
		{"加密货币交易所节日也交易", date(2026, 1, 26), "BINANCE", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTradingDay(tc.day, tc.exchange))
		})
	}
}

func TestNext(t *testing.T) {
	// 周五 -> 下周一
	assert.Equal(t, date(2026, 1, 12), Next(date(2026, 1, 9), "NSE"))
	// 休市日前一天 -> 跳过共和国日 (周一) 到周二
	assert.Equal(t, date(2026, 1, 27), Next(date(2026, 1, 23), "NSE"))
	// 非印度交易所逐日推进
	assert.Equal(t, date(2026, 1, 10), Next(date(2026, 1, 9), "BINANCE"))
}

func TestTruncate(t *testing.T) {
	at := time.Date(2026, 1, 5, 15, 42, 7, 123, time.UTC)
	assert.Equal(t, date(2026, 1, 5), Truncate(at))
}

package tradingday

import "time"

// 2026 年 NSE/BSE 休市日, 两所目前一致
var holidays2026 = map[string]struct{}{
	"2026-01-26": {}, // Republic Day
	"2026-03-14": {}, // Holi
	"2026-03-30": {}, // Ram Navami
	"2026-04-02": {}, // Mahavir Jayanti
	"2026-04-03": {}, // Good Friday
	"2026-04-14": {}, // Ambedkar Jayanti
	"2026-05-01": {}, // Maharashtra Day
	"2026-08-15": {}, // Independence Day
	"2026-08-31": {}, // Ganesh Chaturthi
	"2026-10-02": {}, // Gandhi Jayanti
	"2026-10-20": {}, // Dussehra
	"2026-10-21": {}, // Diwali Balipratipada
	"2026-11-04": {}, // Diwali Laxmi Pujan
	"2026-11-16": {}, // Gurunanak Jayanti
	"2026-12-25": {}, // Christmas
}

// IsIndianExchange 印度股票交易所走经纪商中间层和休市日历,
// 其余交易所 (加密货币) 全年连续交易
func IsIndianExchange(exchange string) bool {
	return exchange == "NSE" || exchange == "BSE"
}

// IsTradingDay 周末与交易所休市日之外皆为交易日
func IsTradingDay(date time.Time, exchange string) bool {
	if !IsIndianExchange(exchange) {
		return true
	}
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := holidays2026[date.Format(time.DateOnly)]
	return !holiday
}

// Next 给定日期之后最近的交易日
func Next(date time.Time, exchange string) time.Time {
	for {
		date = date.AddDate(0, 0, 1)
		if IsTradingDay(date, exchange) {
			return date
		}
	}
}

// Truncate 归一到当天零点, 任务排期按日比较
func Truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

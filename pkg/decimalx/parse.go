package decimalx

import "github.com/shopspring/decimal"

// MustFromString 仅用于可信来源的数值串 (交易所返回值), 解析失败直接 panic
func MustFromString(s string) decimal.Decimal {
	res, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return res
}

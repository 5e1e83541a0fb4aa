package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	half    = decimal.NewFromFloat(0.5)
	hundred = decimal.NewFromInt(100)
)

// ParseAmount 把十进制金额字符串转换为最小货币单位，最多两位小数，必须为正
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	minor := d.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: at most two decimal places", ErrInvalidAmount)
	}
	return minor.IntPart(), nil
}

// FormatAmount 最小货币单位转为两位小数字符串
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// SplitBudget 50/50 拆分：upfront 四舍五入，final 取差值，二者之和恒等于 total
func SplitBudget(total int64) (upfront, final int64) {
	upfront = decimal.NewFromInt(total).Mul(half).Round(0).IntPart()
	return upfront, total - upfront
}

// PlatformFee round(amount * rate)，远离零方向舍入
func PlatformFee(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// ParseFeeRate 解析费率，要求在 [0, 1) 内
func ParseFeeRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid fee rate %q: %w", s, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fee rate %s out of range [0,1)", rate)
	}
	return rate, nil
}

// MilestoneAmount 返回某个里程碑应付金额
func MilestoneAmount(total int64, kind MilestoneKind) int64 {
	upfront, final := SplitBudget(total)
	if kind == MilestoneUpfront {
		return upfront
	}
	return final
}

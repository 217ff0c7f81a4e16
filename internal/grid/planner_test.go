package grid

import (
	"testing"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPair = models.TradingPair{Base: "SOL", Quote: "USDC"}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseParams() Params {
	return Params{
		Pair:         testPair,
		CenterPrice:  d("100"),
		Levels:       2,
		Spread:       d("0.01"),
		Sizing:       models.FixedSize(d("1")),
		MinOrderSize: d("0.01"),
		At:           time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPlanGeometricLadder(t *testing.T) {
	state, err := Plan(baseParams())
	require.NoError(t, err)
	require.Len(t, state.Levels, 4)

	buys := BuyLevels(state)
	sells := SellLevels(state)
	require.Len(t, buys, 2)
	require.Len(t, sells, 2)

	// 买档: 100/1.01, 100/1.01^2；卖档: 100*1.01, 100*1.01^2
	assert.True(t, buys[0].Price.Equal(d("99.00990099")), "got %s", buys[0].Price)
	assert.True(t, buys[1].Price.Equal(d("98.02960494")), "got %s", buys[1].Price)
	assert.True(t, sells[0].Price.Equal(d("101")), "got %s", sells[0].Price)
	assert.True(t, sells[1].Price.Equal(d("102.01")), "got %s", sells[1].Price)

	assert.Equal(t, 1, buys[0].LevelIndex)
	assert.Equal(t, 2, buys[1].LevelIndex)
	assert.True(t, state.CenterPrice.Equal(d("100")))
}

func TestPlanIsDeterministic(t *testing.T) {
	p := baseParams()
	p.Sizing = models.AutoSize()
	p.AvailableQuote = d("1000")

	first, err := Plan(p)
	require.NoError(t, err)
	second, err := Plan(p)
	require.NoError(t, err)

	assert.Equal(t, first, second, "相同输入必须产出相同的GridState")
}

func TestPlanAutoSizingDividesBalance(t *testing.T) {
	p := baseParams()
	p.Levels = 5
	p.Sizing = models.AutoSize()
	p.AvailableQuote = d("1000")

	state, err := Plan(p)
	require.NoError(t, err)
	buys := BuyLevels(state)
	require.Len(t, buys, 5)

	// 1000 USDC / 5档 / 100 = 每档2个
	for _, l := range buys {
		assert.True(t, l.Size.Equal(d("2")), "got %s", l.Size)
	}
}

func TestPlanAutoSizingShrinksFromOutermost(t *testing.T) {
	p := baseParams()
	p.Levels = 5
	p.Sizing = models.AutoSize()
	p.MinOrderSize = d("0.5")
	// 每档5档时 size=0.4 < 0.5；收缩到4档时 size=0.5 恰好达标
	p.AvailableQuote = d("200")

	state, err := Plan(p)
	require.NoError(t, err)
	buys := BuyLevels(state)
	sells := SellLevels(state)
	assert.Len(t, buys, 4)
	assert.Len(t, sells, 4)
	for _, l := range buys {
		assert.True(t, l.Size.GreaterThanOrEqual(d("0.5")))
	}
}

func TestPlanInsufficientFunds(t *testing.T) {
	p := baseParams()
	p.Sizing = models.AutoSize()
	p.MinOrderSize = d("1")
	p.AvailableQuote = d("50") // 一档也不够: 50/100 = 0.5 < 1

	state, err := Plan(p)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NotNil(t, state)
	assert.Empty(t, state.Levels, "余额不足时返回空梯子")
}

func TestPlanFixedSizeBelowMinimum(t *testing.T) {
	p := baseParams()
	p.Sizing = models.FixedSize(d("0.001"))
	p.MinOrderSize = d("0.01")

	_, err := Plan(p)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestPlanNeverEmitsLevelBelowMinimum(t *testing.T) {
	p := baseParams()
	p.Levels = 7
	p.Sizing = models.AutoSize()
	p.MinOrderSize = d("0.3")
	p.AvailableQuote = d("123.45")

	state, err := Plan(p)
	if err != nil {
		require.ErrorIs(t, err, ErrInsufficientFunds)
		return
	}
	for _, l := range state.Levels {
		assert.True(t, l.Size.GreaterThanOrEqual(p.MinOrderSize),
			"档位 %d 数量 %s 低于最小下单量", l.LevelIndex, l.Size)
	}
}

func TestPlanRejectsInvalidInputs(t *testing.T) {
	p := baseParams()
	p.CenterPrice = decimal.Zero
	_, err := Plan(p)
	assert.Error(t, err)

	p = baseParams()
	p.Levels = 0
	_, err = Plan(p)
	assert.Error(t, err)

	p = baseParams()
	p.Spread = d("1.5")
	_, err = Plan(p)
	assert.Error(t, err)
}

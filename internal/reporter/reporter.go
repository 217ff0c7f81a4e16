package reporter

import (
	"context"
	"io"
	"sort"

	"backpack-grid-bot-go/internal/bot"
	"backpack-grid-bot-go/internal/exchange"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Reporter 把账户余额和 worker 状态渲染成给运维看的表格
type Reporter struct {
	out io.Writer
}

// New 构造输出到 out 的 reporter
func New(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

// PrintBalances 打印各账户的资产余额表。查询失败的账户在表中
// 标注错误并继续，不中断其余账户。
func (r *Reporter) PrintBalances(ctx context.Context, gateways map[string]exchange.Gateway) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.AppendHeader(table.Row{"账户", "资产", "可用", "冻结"})

	names := make([]string, 0, len(gateways))
	for name := range gateways {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		balances, err := gateways[name].GetBalances(ctx)
		if err != nil {
			t.AppendRow(table.Row{name, "-", "查询失败: " + err.Error(), "-"})
			t.AppendSeparator()
			continue
		}
		assets := make([]string, 0, len(balances))
		for asset, bal := range balances {
			if bal.Available.IsPositive() || bal.Locked.IsPositive() {
				assets = append(assets, asset)
			}
		}
		sort.Strings(assets)
		for _, asset := range assets {
			bal := balances[asset]
			t.AppendRow(table.Row{name, asset, bal.Available.String(), bal.Locked.String()})
		}
		t.AppendSeparator()
	}
	t.Render()
}

// PrintWorkerStatus 打印所有 worker 的状态、持仓和盈亏
func (r *Reporter) PrintWorkerStatus(statuses []bot.NamedStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.AppendHeader(table.Row{"worker", "状态", "持仓", "均价", "已实现盈亏", "挂单数"})

	total := decimal.Zero
	for _, s := range statuses {
		pos := s.Status.Position
		t.AppendRow(table.Row{
			s.Name,
			string(s.Status.State),
			pos.NetSize.String(),
			pos.AverageEntryPrice.String(),
			pos.RealizedPnL.String(),
			s.Status.OpenOrderCount,
		})
		total = total.Add(pos.RealizedPnL)
	}
	t.AppendFooter(table.Row{"合计", "", "", "", total.String(), ""})
	t.Render()
}

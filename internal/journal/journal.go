package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"backpack-grid-bot-go/internal/bot"
	"backpack-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// EntryType 是审计条目的类型
type EntryType string

const (
	EntryStateChange   EntryType = "state_change"
	EntryOrderPlaced   EntryType = "order_placed"
	EntryOrderCanceled EntryType = "order_canceled"
	EntryFill          EntryType = "fill"
	EntryFatal         EntryType = "fatal"
)

// Entry 是一条只追加的审计记录。仓位永远不从日志回放重建——
// 重启后以交易所挂单和余额为准，日志只用于事后审计。
type Entry struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Type  EntryType `json:"type"`
	Pair  string    `json:"pair"`
	From  string    `json:"from,omitempty"`
	To    string    `json:"to,omitempty"`
	Side  string    `json:"side,omitempty"`
	Price string    `json:"price,omitempty"`
	Size  string    `json:"size,omitempty"`
	Order string    `json:"order_id,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Journal 基于 BadgerDB 的追加式审计日志。作为 Observer 挂到 worker 上，
// 把每次状态迁移和成交落盘。
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open 打开（必要时创建）指定目录下的审计日志
func Open(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	// Badger 自己的日志会刷屏，错误仍从操作返回值拿到
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("journal_seq"), 64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, seq: seq}, nil
}

// Close 归还未用的序号并关闭数据库
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		j.db.Close()
		return err
	}
	return j.db.Close()
}

func (j *Journal) append(e Entry) error {
	n, err := j.seq.Next()
	if err != nil {
		return err
	}
	e.Seq = n
	e.Time = time.Now()

	data, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("entry:%020d", n))
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Entries 按写入顺序返回全部条目，limit > 0 时只取前 limit 条
func (j *Journal) Entries(limit int) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("entry:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Observer 把 worker 事件写进日志的适配器。写入失败不影响交易，
// 只能静默丢弃（日志本身没有可上报的去处）。
type Observer struct {
	j *Journal
}

// NewObserver 构造挂接到 worker 的审计观察者
func NewObserver(j *Journal) Observer {
	return Observer{j: j}
}

func (o Observer) OnStateChange(pair models.TradingPair, from, to bot.State) {
	_ = o.j.append(Entry{
		Type: EntryStateChange, Pair: pair.String(),
		From: string(from), To: string(to),
	})
}

func (o Observer) OnOrderPlaced(order models.RestingOrder) {
	_ = o.j.append(Entry{
		Type: EntryOrderPlaced, Pair: order.Pair.String(),
		Side: string(order.Side), Price: order.Price.String(),
		Size: order.Size.String(), Order: order.ExchangeOrderID,
	})
}

func (o Observer) OnOrderCanceled(order models.RestingOrder) {
	_ = o.j.append(Entry{
		Type: EntryOrderCanceled, Pair: order.Pair.String(),
		Side: string(order.Side), Price: order.Price.String(),
		Size: order.Size.String(), Order: order.ExchangeOrderID,
	})
}

func (o Observer) OnFill(fill models.Fill) {
	_ = o.j.append(Entry{
		Type: EntryFill, Pair: fill.Pair.String(),
		Side: string(fill.Side), Price: fill.Price.String(),
		Size: fill.Size.String(), Order: fill.OrderID,
	})
}

func (o Observer) OnFatal(pair models.TradingPair, err error) {
	_ = o.j.append(Entry{
		Type: EntryFatal, Pair: pair.String(), Error: err.Error(),
	})
}

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"backpack-grid-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// StartPriceStream 启动一个守护goroutine，订阅各交易对的ticker推送并
// 维护价格缓存。连接断开后自动重连；ctx取消时退出。
// 推送只用来让 GetPrice 少打REST，不承担成交检测——对账仍以轮询为准。
func (e *BackpackExchange) StartPriceStream(ctx context.Context, pairs []models.TradingPair) {
	go func() {
		for {
			if ctx.Err() != nil {
				e.logger.Info("价格推送循环已停止。")
				return
			}
			if err := e.runPriceStream(ctx, pairs); err != nil && ctx.Err() == nil {
				e.logger.Warnf("价格推送连接断开: %v。5秒后重连...", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// runPriceStream 建立一条连接并阻塞处理消息，带心跳保活
func (e *BackpackExchange) runPriceStream(ctx context.Context, pairs []models.TradingPair) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()

	streams := make([]string, 0, len(pairs))
	for _, p := range pairs {
		streams = append(streams, "ticker."+p.String())
	}
	sub := map[string]any{"method": "SUBSCRIBE", "params": streams}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("订阅失败: %w", err)
	}
	e.logger.Infof("价格推送已连接，订阅: %s", strings.Join(streams, ", "))

	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-ctx.Done():
				// 触发读取端退出
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var event struct {
			Stream string `json:"stream"`
			Data   struct {
				Symbol    string      `json:"s"`
				LastPrice json.Number `json:"c"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil || event.Data.Symbol == "" {
			continue
		}

		pair, err := models.ParsePair(event.Data.Symbol)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(event.Data.LastPrice.String())
		if err != nil || !price.IsPositive() {
			continue
		}
		e.storePrice(pair, price)
	}
}

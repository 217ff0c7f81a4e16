package idgenerator

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewClientOrderID 生成带前缀的客户端订单ID，作为下单的幂等键：
// 网络超时后的重复提交会被交易所按相同ID去重。
// base62编码的UUID足够短，能放进交易所对clientOrderId的长度限制。
func NewClientOrderID(prefix string) string {
	u := uuid.New()
	return prefix + "-" + string(base62.Encode(u[:]))
}

// NAV 行情消费者：订阅基金净值主题，驱动质押品批量重估
package consumer

import (
	"context"
	"fmt"

	"github.com/wyfcoding/lamf/internal/collateral/application"
	"github.com/wyfcoding/lamf/pkg/logger"
	"github.com/wyfcoding/lamf/pkg/mq"
)

// navFeedPayload 行情消息体。单条与批量两种形态都接受。
type navFeedPayload struct {
	Updates []application.NavUpdate `json:"updates"`
	application.NavUpdate
}

// NavFeedHandler NAV 行情消息处理器
type NavFeedHandler struct {
	app *application.CollateralService
}

// NewNavFeedHandler 创建处理器实例
func NewNavFeedHandler(app *application.CollateralService) *NavFeedHandler {
	return &NavFeedHandler{app: app}
}

// Handle 消费一条行情消息。解析失败返回错误交由 DLQ 兜底。
func (h *NavFeedHandler) Handle(ctx context.Context, msg *mq.Message) error {
	var payload navFeedPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode nav feed message: %w", err)
	}

	updates := payload.Updates
	if len(updates) == 0 {
		if payload.Isin == "" {
			return fmt.Errorf("nav feed message has no updates")
		}
		updates = []application.NavUpdate{payload.NavUpdate}
	}

	report, err := h.app.BulkNavUpdate(ctx, updates)
	if err != nil {
		return fmt.Errorf("apply nav updates: %w", err)
	}

	logger.Info(ctx, "nav feed message processed",
		"offset", msg.Offset,
		"updates", len(updates),
		"revalued", report.Revalued,
		"margin_calls", report.MarginCallsTriggered)
	return nil
}

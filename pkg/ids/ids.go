// Package ids 提供业务展示 ID 的生成抽象，底层序列可替换，便于测试
package ids

import (
	"fmt"

	"github.com/wyfcoding/pkg/idgen"
)

// Generator 业务 ID 生成器。Next 返回带前缀的展示 ID（如 LN2609000123）
type Generator interface {
	Next(prefix string) string
}

// Sequence 基于全局雪花序列的生成器
type Sequence struct{}

// NewSequence 创建生成器
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next 生成展示 ID
func (s *Sequence) Next(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, idgen.GenID())
}

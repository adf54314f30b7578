package sigchan

// Chan 非阻塞的信号 channel，只通知事件发生，不传递数据。
// 缓冲满时 Emit 被合并，多次触发只会唤醒一次消费者。
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel；bufferSize 小于 1 时按 1 处理
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送信号（非阻塞），返回信号是否入队
func (c *Chan) Emit() bool {
	select {
	case c.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// C 返回内部 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}

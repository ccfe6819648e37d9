package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"

	"causalText/backend/internal/crdt"
)

// Integrator 消费端需要的最小能力
type Integrator interface {
	Replica() uint64
	IntegrateRemote(ctx context.Context, docID string, op crdt.Op) (crdt.Result, error)
}

// KafkaConsumer 每个副本一个消费组，读取所有副本发布的操作并整合
type KafkaConsumer struct {
	group sarama.ConsumerGroup
	topic string
	svc   Integrator
}

func NewKafkaConsumer(group sarama.ConsumerGroup, topic string, svc Integrator) *KafkaConsumer {
	return &KafkaConsumer{group: group, topic: topic, svc: svc}
}

// Run 阻塞直到 ctx 结束；rebalance 后重新进入 Consume
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Printf("kafka consume error topic=%s err=%v", c.topic, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *KafkaConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *KafkaConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *KafkaConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.handleMessage(sess.Context(), msg.Value)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// handleMessage 解析事件并逐个整合；自己发布的事件直接跳过
func (c *KafkaConsumer) handleMessage(ctx context.Context, value []byte) int {
	var evt OpEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		log.Printf("kafka decode event error: %v", err)
		return 0
	}
	if evt.EventType != EventOpsApplied || evt.Origin == c.svc.Replica() {
		return 0
	}
	applied := 0
	for _, op := range evt.Ops {
		res, err := c.svc.IntegrateRemote(ctx, evt.DocID, op)
		if err != nil {
			log.Printf("kafka integrate error doc=%s op=%s err=%v", evt.DocID, op.ID, err)
			continue
		}
		if res.Outcome == crdt.Integrated {
			applied += len(res.Applied)
		}
	}
	return applied
}

package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"causalText/backend/internal/crdt"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Publish 只负责入队，不阻塞编辑主流程
// - Kafka 短暂阻塞时靠队列吸收
// - 队列满或重试耗尽时丢弃（对端可以通过 sync_request 补齐）
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	replica  uint64

	queue chan OpEvent
	wg    sync.WaitGroup
	once  sync.Once

	// 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers        int
	maxRetry       int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	enqueueTimeout time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	EnqueueTimeout time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, replica uint64, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 100 * time.Millisecond
	}
	d := &KafkaDispatcher{
		producer:       producer,
		topic:          topic,
		replica:        replica,
		queue:          make(chan OpEvent, opt.QueueSize),
		kafkaSem:       kafkaSem,
		workers:        opt.Workers,
		maxRetry:       opt.MaxRetry,
		baseBackoff:    opt.BaseBackoff,
		maxBackoff:     opt.MaxBackoff,
		enqueueTimeout: opt.EnqueueTimeout,
	}

	d.Start()
	return d
}

// Publish 实现 OpSink。只转发本副本生成的操作，远端操作由它们的来源副本负责发送。
func (d *KafkaDispatcher) Publish(ctx context.Context, docID string, ops []crdt.Op) {
	own := make([]crdt.Op, 0, len(ops))
	for _, op := range ops {
		if op.ID.Replica == d.replica {
			own = append(own, op)
		}
	}
	if len(own) == 0 {
		return
	}
	evt := OpEvent{
		EventID:     uuid.NewString(),
		EventType:   EventOpsApplied,
		DocID:       docID,
		Origin:      d.replica,
		Ops:         own,
		PublishedAt: time.Now(),
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.enqueueTimeout)
	defer cancel()
	if err := d.Enqueue(enqueueCtx, evt); err != nil {
		dispatchDropped.Inc()
		log.Printf("kafka queue full, drop event doc=%s ops=%d err=%v", docID, len(own), err)
	}
}

// Enqueue：队列满时等待直到 ctx 超时
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt OpEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 关闭队列并等待已入队事件发送完毕
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt OpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			dispatchDropped.Inc()
			log.Printf("kafka send failed, drop event doc=%s event=%s worker=%d err=%v",
				evt.DocID, evt.EventID, workerID, err)
			return
		}

		// 退避，每次退避时间 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt OpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 以 docId 做 key，同一文档落在同一分区，保证单个发送方有序
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

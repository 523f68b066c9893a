package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"agent-core/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用默认交换机把轮次任务投递到单个队列，消费端手动确认。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         *amqp.Channel
	queue      string
	durable    bool
	autoDelete bool
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRabbitMQQueueName
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	fail := func(step string, err error) (*RabbitMQQueue, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s失败: %w", step, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail("设置 RabbitMQ QoS ", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fail("声明 RabbitMQ 队列", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, durable: cfg.Durable, autoDelete: cfg.AutoDelete}, nil
}

// Publish 投递任务 ID，持久化队列上的消息同样持久化。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   taskID,
		Timestamp:   time.Now().UTC(),
		Body:        []byte(taskID),
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}
	// amqp.Channel 不支持并发发布。
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
}

// Consume 订阅队列。处理成功后 Ack，失败时 Nack 并重新入队。
// 连接断开导致投递通道关闭时返回错误，由调用方决定是否重建队列。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	log := logger.Named("task.rabbitmq_queue")

	runWorkers(workerCount, func() {
		for msg := range deliveries {
			settleDelivery(log, msg, handler(ctx, string(msg.Body)))
		}
	})

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("RabbitMQ 投递通道已关闭")
}

// settleDelivery 根据处理结果确认或退回消息。
func settleDelivery(log *slog.Logger, msg amqp.Delivery, handleErr error) {
	var err error
	if handleErr != nil {
		err = msg.Nack(false, true)
	} else {
		err = msg.Ack(false)
	}
	if err != nil {
		log.Error("RabbitMQ 消息确认失败",
			slog.Any("error", err),
			slog.Bool("requeue", handleErr != nil),
			slog.String("task_id", string(msg.Body)))
	}
}

// Depth 通过被动声明读取队列中待投递的消息数。
func (q *RabbitMQQueue) Depth(context.Context) (int, error) {
	if q == nil || q.ch == nil {
		return 0, errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	state, err := q.ch.QueueDeclarePassive(q.queue, q.durable, q.autoDelete, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("查询 RabbitMQ 队列失败: %w", err)
	}
	return state.Messages, nil
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"ragchat/internal/model"
)

// ConversationStore persists one conversation.
type ConversationStore interface {
	Create(conv *model.Conversation) error
}

// PersistHook runs after a conversation is stored, e.g. to drop a cache.
type PersistHook func(ctx context.Context, conv *model.Conversation)

// ConversationPersistWorker drains the conversation queue into the database.
type ConversationPersistWorker struct {
	conn      *amqp.Connection
	store     ConversationStore
	queueName string
	onPersist PersistHook

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConversationPersistWorker(conn *amqp.Connection, store ConversationStore, queueName string, onPersist PersistHook) *ConversationPersistWorker {
	return &ConversationPersistWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
		onPersist: onPersist,
	}
}

func (w *ConversationPersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if _, err := ch.QueueDeclare(w.queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(w.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := w.handle(workerCtx, d.Body); err != nil {
					log.Printf("worker: %v", err)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *ConversationPersistWorker) handle(ctx context.Context, body []byte) error {
	var conv model.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		return fmt.Errorf("decode conversation failed: %w", err)
	}
	conv.ID = 0
	if err := w.store.Create(&conv); err != nil {
		return fmt.Errorf("persist conversation failed: %w", err)
	}
	if w.onPersist != nil {
		w.onPersist(ctx, &conv)
	}
	return nil
}

func (w *ConversationPersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

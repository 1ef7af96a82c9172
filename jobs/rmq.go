package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Config configures the broker connection.
type Config struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// DefaultQueue is used when Config.Queue is empty.
const DefaultQueue = "clinicalfacts.extract"

// Client owns one connection and channel.
type Client struct {
	Deliveries <-chan amqp.Delivery
	Errors     <-chan *amqp.Error

	cfg     Config
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects and declares the durable work queue.
func Dial(cfg Config) (*Client, error) {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jobs: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("jobs: channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("jobs: declare %s: %w", cfg.Queue, err)
	}
	if cfg.Exchange != "" {
		if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("jobs: bind %s: %w", cfg.Queue, err)
		}
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("jobs: qos: %w", err)
	}
	return &Client{
		Errors:  ch.NotifyClose(make(chan *amqp.Error, 1)),
		cfg:     cfg,
		conn:    conn,
		channel: ch,
	}, nil
}

// Consume starts delivery with manual acknowledgement.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	d, err := c.channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("jobs: consume: %w", err)
	}
	c.Deliveries = d
	return d, nil
}

// Publish enqueues a job as a persistent message.
func (c *Client) Publish(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.channel.Publish(c.cfg.Exchange, c.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         body,
	})
}

// Prefetch is the channel's QoS window.
func (c *Client) Prefetch() int { return c.cfg.Prefetch }

func (c *Client) Close() error {
	return c.conn.Close()
}

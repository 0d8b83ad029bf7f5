package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// amqpConnection is the part of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

// amqpChannel is the part of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dialRabbit = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return amqpConn{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	owner       amqpConnection
	notifyClose chan *amqp.Error
}

func newPooledChannel(owner amqpConnection, channel amqpChannel) *pooledChannel {
	return &pooledChannel{
		channel:     channel,
		owner:       owner,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}
}

func (p *pooledChannel) isClosed() bool {
	select {
	case <-p.notifyClose:
		return true
	default:
		return false
	}
}

// connectAndInitialize dials a fresh connection, declares the exchange and
// fills a new channel pool, then swaps both in. Channels of the previous
// connection are dropped as they are released.
func (r *rabbitMqBroker) connectAndInitialize() error {
	conn, err := dialRabbit(r.settings.URL)
	if err != nil {
		return err
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			r.logger.Warn("RabbitMQ connection closed", "error", err)
		}
	}()

	pool := make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("open channel: %w", err)
		}
		if i == 0 {
			err = channel.ExchangeDeclare(
				r.exchange(), // name
				"topic",      // type
				true,         // durable
				false,        // auto-deleted
				false,        // internal
				false,        // no-wait
				nil,          // arguments
			)
			if err != nil {
				conn.Close()
				return fmt.Errorf("failed to declare exchange: %w", err)
			}
		}
		pool <- newPooledChannel(conn, channel)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return errBrokerClosed
	}
	previous := r.connection
	r.connection = conn
	r.channelPool = pool
	r.mu.Unlock()

	if previous != nil && !previous.IsClosed() {
		previous.Close()
	}

	r.logger.Info("RabbitMQ connection, exchange, and channel pool initialized",
		"exchange", r.exchange(), "pool_size", r.settings.PoolSize)
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.RLock()
			conn, closed := r.connection, r.closed
			r.mu.RUnlock()
			if closed {
				return
			}
			if conn == nil || conn.IsClosed() {
				r.logger.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					r.logger.Error("Failed to reconnect to RabbitMQ", "error", err)
				} else {
					r.logger.Info("Reconnected to RabbitMQ")
				}
			}
		case <-r.stopReconnect:
			r.logger.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.RLock()
	conn, pool := r.connection, r.channelPool
	r.mu.RUnlock()

	for {
		select {
		case pooledChan := <-pool:
			if pooledChan.isClosed() {
				r.logger.Debug("Discarding closed channel")
				continue
			}
			return pooledChan, nil
		default:
			// Create a new channel if none are available
			if conn == nil || conn.IsClosed() {
				return nil, errConnectionClosed
			}
			channel, err := conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("open channel: %w", err)
			}
			return newPooledChannel(conn, channel), nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	if pooledChan.isClosed() {
		r.logger.Debug("Discarding closed channel")
		return
	}

	r.mu.RLock()
	current, pool := r.connection, r.channelPool
	r.mu.RUnlock()

	if pooledChan.owner != current {
		pooledChan.channel.Close()
		return
	}
	select {
	case pool <- pooledChan:
	default:
		// Pool is full, close the channel
		pooledChan.channel.Close()
	}
}

/*
Copyright 2024 FaST-GShare Authors, KontonGu (Jianfeng Gu), et. al.
@Techinical University of Munich, CAPS Cloud Team

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	klog "k8s.io/klog/v2"
)

const maxRetryInterval = 30 * time.Second

// Handler processes the payload of one bus message.
type Handler func(ctx context.Context, payload []byte)

// Subscriber delivers bus messages to a handler until its context is done.
type Subscriber interface {
	Run(ctx context.Context) error
}

// Options configures the streaming session and the subscription.
type Options struct {
	URL         string
	ClusterID   string
	ClientID    string
	Subject     string
	QueueGroup  string
	DurableName string

	AckWait     time.Duration
	MaxInflight int

	// ConnectRetries is the number of extra connect attempts, 0 fails fast.
	ConnectRetries int
	RetryInterval  time.Duration
}

// ConnectionError means the bus could not be reached or the session was lost.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nats streaming connection to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type streamConn interface {
	QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) (stan.Subscription, error)
	Close() error
}

type transportConn interface {
	Close()
}

// session is the pair of connections a subscriber holds. The streaming
// session runs on top of the transport and is closed first.
type session struct {
	nc transportConn
	sc streamConn
}

type dialFunc func(opts Options, onLost func(error)) (*session, error)

// NatsSubscriber is a queue-group subscriber on a NATS Streaming subject.
// Messages are acknowledged after the handler returns.
type NatsSubscriber struct {
	opts    Options
	handler Handler
	dial    dialFunc
	ack     func(msg *stan.Msg) error

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func NewNatsSubscriber(opts Options, handler Handler) *NatsSubscriber {
	return &NatsSubscriber{
		opts:    opts,
		handler: handler,
		dial:    dialNATS,
		ack:     func(msg *stan.Msg) error { return msg.Ack() },
	}
}

func dialNATS(opts Options, onLost func(error)) (*session, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientID),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			klog.Warningf("Disconnected from NATS at %s: %v", opts.URL, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			klog.Infof("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	sc, err := stan.Connect(opts.ClusterID, opts.ClientID,
		stan.NatsConn(nc),
		stan.SetConnectionLostHandler(func(_ stan.Conn, reason error) {
			onLost(reason)
		}),
	)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &session{nc: nc, sc: sc}, nil
}

// Run connects, subscribes and delivers messages until ctx is done or the
// streaming session is lost. Before returning it waits for in-flight
// handlers, then closes the streaming session and the transport, in that
// order.
func (s *NatsSubscriber) Run(ctx context.Context) error {
	lost := make(chan error, 1)
	onLost := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	sess, err := s.connect(ctx, onLost)
	if err != nil {
		return err
	}
	klog.Infof("Connected to NATS Streaming cluster %s at %s as %s", s.opts.ClusterID, s.opts.URL, s.opts.ClientID)

	_, err = sess.sc.QueueSubscribe(s.opts.Subject, s.opts.QueueGroup, s.onMessage(ctx), s.subscriptionOptions()...)
	if err != nil {
		s.shutdown(sess)
		return &ConnectionError{URL: s.opts.URL, Err: fmt.Errorf("subscribing to %s: %w", s.opts.Subject, err)}
	}
	klog.Infof("Subscribed to %s with queue group %s", s.opts.Subject, s.opts.QueueGroup)

	var runErr error
	select {
	case <-ctx.Done():
		klog.Info("Stopping subscriber")
	case reason := <-lost:
		klog.Errorf("NATS Streaming connection lost: %v", reason)
		runErr = &ConnectionError{URL: s.opts.URL, Err: reason}
	}

	s.shutdown(sess)
	return runErr
}

func (s *NatsSubscriber) subscriptionOptions() []stan.SubscriptionOption {
	opts := []stan.SubscriptionOption{
		stan.SetManualAckMode(),
		stan.MaxInflight(s.opts.MaxInflight),
	}
	if s.opts.AckWait > 0 {
		opts = append(opts, stan.AckWait(s.opts.AckWait))
	}
	if len(s.opts.DurableName) > 0 {
		opts = append(opts, stan.DurableName(s.opts.DurableName))
	}
	return opts
}

func (s *NatsSubscriber) connect(ctx context.Context, onLost func(error)) (*session, error) {
	var sess *session
	var lastErr error

	attempt := func(ctx context.Context) (bool, error) {
		sess, lastErr = s.dial(s.opts, onLost)
		if lastErr != nil {
			klog.Warningf("Error connecting to NATS at %s: %v", s.opts.URL, lastErr)
			return false, nil
		}
		return true, nil
	}

	if s.opts.ConnectRetries <= 0 {
		_, _ = attempt(ctx)
	} else {
		backoff := wait.Backoff{
			Duration: s.opts.RetryInterval,
			Factor:   2,
			Jitter:   0.1,
			Steps:    s.opts.ConnectRetries + 1,
			Cap:      maxRetryInterval,
		}
		if err := wait.ExponentialBackoffWithContext(ctx, backoff, attempt); err != nil && lastErr == nil {
			lastErr = err
		}
	}

	if sess == nil {
		return nil, &ConnectionError{URL: s.opts.URL, Err: lastErr}
	}
	return sess, nil
}

// onMessage hands each message to its own goroutine. The bus bounds the
// number of unacknowledged messages, which bounds the goroutines.
func (s *NatsSubscriber) onMessage(ctx context.Context) stan.MsgHandler {
	handlerCtx := context.WithoutCancel(ctx)

	return func(msg *stan.Msg) {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			klog.V(4).Infof("Leaving message %d unacknowledged, subscriber is stopping", msg.Sequence)
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.inflight.Done()
			defer s.acknowledge(msg)
			defer func() {
				if r := recover(); r != nil {
					utilruntime.HandleError(fmt.Errorf("panic handling message %d: %v", msg.Sequence, r))
				}
			}()

			klog.V(4).Infof("Received message %d (redelivered: %t)", msg.Sequence, msg.Redelivered)
			s.handler(handlerCtx, msg.Data)
		}()
	}
}

func (s *NatsSubscriber) acknowledge(msg *stan.Msg) {
	if err := s.ack(msg); err != nil {
		klog.Warningf("Error acknowledging message %d: %v", msg.Sequence, err)
	}
}

func (s *NatsSubscriber) shutdown(sess *session) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.inflight.Wait()

	if err := sess.sc.Close(); err != nil {
		klog.Warningf("Error closing NATS Streaming session: %v", err)
	}
	sess.nc.Close()
	klog.Info("NATS sessions closed")
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whalewatch/internal/config"
	"whalewatch/internal/queue"
	"whalewatch/internal/storage"
)

var (
	// ErrNoTransport means a requested channel has no configured transport.
	ErrNoTransport = errors.New("alerting: channel not configured")
	// ErrNoRecipient means a requested channel has no recipient address.
	ErrNoRecipient = errors.New("alerting: no recipient for channel")
)

// ChannelRecorder observes individual channel sends.
type ChannelRecorder interface {
	ChannelSend(channel string, err error)
}

// SenderOptions tune delivery.
type SenderOptions struct {
	ChannelTimeout time.Duration
	Recorder       ChannelRecorder
}

// Sender fans a Delivery out to its channels.
type Sender struct {
	transports map[storage.Channel]Transport
	timeout    time.Duration
	recorder   ChannelRecorder
	logger     zerolog.Logger
}

// NewSender builds a sender over the given transports.
func NewSender(transports map[storage.Channel]Transport, opts SenderOptions, logger zerolog.Logger) *Sender {
	timeout := opts.ChannelTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if transports == nil {
		transports = map[storage.Channel]Transport{}
	}
	return &Sender{
		transports: transports,
		timeout:    timeout,
		recorder:   opts.Recorder,
		logger:     logger.With().Str("component", "alert_sender").Logger(),
	}
}

// TransportsFromConfig builds the enabled channel transports.
func TransportsFromConfig(cfg config.NotifyConfig, logger zerolog.Logger) map[storage.Channel]Transport {
	transports := make(map[storage.Channel]Transport)
	if cfg.Telegram.Enabled {
		transports[storage.ChannelTelegram] = NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.APIBase, cfg.ChannelTimeout, logger)
	}
	if cfg.SMTP.Enabled {
		transports[storage.ChannelEmail] = NewEmailNotifier(EmailOptions{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Timeout:  cfg.ChannelTimeout,
		}, logger)
	}
	return transports
}

// Outcome holds the per-channel result of one delivery. A nil error means
// the channel succeeded.
type Outcome struct {
	Results map[storage.Channel]error
	order   []storage.Channel
}

// Err joins every channel failure, or returns nil when all succeeded.
func (o Outcome) Err() error {
	var errs []error
	for _, ch := range o.order {
		if err := o.Results[ch]; err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// Failed lists the channels that did not succeed.
func (o Outcome) Failed() []storage.Channel {
	var failed []storage.Channel
	for _, ch := range o.order {
		if o.Results[ch] != nil {
			failed = append(failed, ch)
		}
	}
	return failed
}

// retryable reports whether any failure could succeed on a later attempt.
func (o Outcome) retryable() bool {
	for _, ch := range o.order {
		err := o.Results[ch]
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoTransport) && !errors.Is(err, ErrNoRecipient) {
			return true
		}
	}
	return false
}

// Deliver sends to every requested channel concurrently and waits for all
// of them. One channel failing never stops the others.
func (s *Sender) Deliver(ctx context.Context, d Delivery) Outcome {
	out := Outcome{Results: make(map[storage.Channel]error, len(d.Channels))}
	for _, ch := range d.Channels {
		if _, dup := out.Results[ch]; dup {
			continue
		}
		out.Results[ch] = nil
		out.order = append(out.order, ch)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, ch := range out.order {
		wg.Add(1)
		go func(ch storage.Channel) {
			defer wg.Done()
			err := s.send(ctx, ch, d)
			mu.Lock()
			out.Results[ch] = err
			mu.Unlock()
		}(ch)
	}
	wg.Wait()
	return out
}

func (s *Sender) send(ctx context.Context, ch storage.Channel, d Delivery) error {
	err := s.sendOnce(ctx, ch, d)
	if s.recorder != nil {
		s.recorder.ChannelSend(string(ch), err)
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("channel", string(ch)).
			Str("rule_id", d.Notification.RuleID).
			Str("txid", d.Notification.TxID).
			Msg("channel send failed")
	}
	return err
}

func (s *Sender) sendOnce(ctx context.Context, ch storage.Channel, d Delivery) error {
	transport, ok := s.transports[ch]
	if !ok {
		return ErrNoTransport
	}
	recipient := d.Recipients[ch]
	if recipient == "" {
		return ErrNoRecipient
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return transport.Send(sendCtx, recipient, d.Notification)
}

// HandleJob is the queue handler: decode, deliver, and report failure for
// the whole job if any channel failed. Failures that retrying cannot fix
// are marked permanent.
func (s *Sender) HandleJob(ctx context.Context, job *queue.Job) error {
	var d Delivery
	if err := json.Unmarshal(job.Payload, &d); err != nil {
		return queue.Permanent(fmt.Errorf("decode delivery: %w", err))
	}
	if len(d.Channels) == 0 {
		return queue.Permanent(errors.New("delivery has no channels"))
	}

	out := s.Deliver(ctx, d)
	err := out.Err()
	if err == nil {
		return nil
	}
	if !out.retryable() {
		return queue.Permanent(err)
	}
	return err
}

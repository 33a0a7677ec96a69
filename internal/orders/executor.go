// Package orders submits the strategy's trade instructions to the broker in order and
// waits for cash-freeing sells to settle before the buys that depend on them.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rolling_calls/internal/broker"
	"github.com/eddiefleurent/rolling_calls/internal/models"
	"github.com/eddiefleurent/rolling_calls/internal/retry"
)

// Settlement modes
const (
	ModeDelay = "delay"
	ModePoll  = "poll"
)

var (
	// ErrSettlementTimeout is returned when a sell is still working after the poll timeout.
	ErrSettlementTimeout = errors.New("order did not settle before timeout")
	// ErrOrderFailed is returned when a sell ends canceled, rejected, expired or in error.
	ErrOrderFailed = errors.New("order failed")
)

// Config contains configuration for the executor.
type Config struct {
	Mode         string
	Delay        time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig polls for fills, matching the live broker's behavior.
var DefaultConfig = Config{
	Mode:         ModePoll,
	Delay:        5 * time.Second,
	PollInterval: 2 * time.Second,
	Timeout:      2 * time.Minute,
	CallTimeout:  5 * time.Second,
}

// Outcome is what happened to one instruction.
type Outcome string

const (
	// OutcomeSubmitted means the order was accepted and, if asked, settled
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeFailed means submission or settlement failed
	OutcomeFailed Outcome = "failed"
	// OutcomeAborted means the instruction depended on a sell that did not settle
	OutcomeAborted Outcome = "aborted"
	// OutcomeSkipped means the quantity rounded to zero
	OutcomeSkipped Outcome = "skipped"
)

// Result records the fate of one instruction.
type Result struct {
	Instruction models.TradeInstruction `json:"instruction"`
	Outcome     Outcome                 `json:"outcome"`
	OrderID     int                     `json:"order_id,omitempty"`
	Status      string                  `json:"status,omitempty"`
	Tag         string                  `json:"tag,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// Report is the outcome of executing one cycle's instructions.
type Report struct {
	CycleID string   `json:"cycle_id"`
	Results []Result `json:"results"`
}

// Count returns how many results have the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Executor submits instructions through the broker.
type Executor struct {
	broker broker.Broker
	retry  *retry.Client
	logger logrus.FieldLogger
	config Config
}

// NewExecutor creates an executor. Unset config values fall back to DefaultConfig.
func NewExecutor(b broker.Broker, r *retry.Client, logger logrus.FieldLogger, config ...Config) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Mode != ModeDelay && cfg.Mode != ModePoll {
		cfg.Mode = DefaultConfig.Mode
	}
	if cfg.Delay < 0 {
		cfg.Delay = DefaultConfig.Delay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if b == nil {
		panic("orders.NewExecutor: broker must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if r == nil {
		r = retry.NewClient(logger)
	}

	return &Executor{
		broker: b,
		retry:  r,
		logger: logger,
		config: cfg,
	}
}

// Execute submits instructions strictly in order. A sell flagged AwaitSettlement is
// waited on before moving on; if it fails to settle, every later instruction flagged
// RequiresSettlement is aborted without being sent. The returned error is only
// non-nil when ctx ends, in which case the report covers what ran so far.
func (e *Executor) Execute(ctx context.Context, cycleID string, instructions []models.TradeInstruction) (*Report, error) {
	report := &Report{CycleID: cycleID, Results: make([]Result, 0, len(instructions))}
	log := e.logger.WithField("cycle_id", shortID(cycleID))
	blocked := false

	for i, inst := range instructions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res := Result{Instruction: inst, Tag: orderTag(cycleID, i)}
		ilog := log.WithFields(logrus.Fields{"instruction": inst.String(), "purpose": inst.Purpose})

		if inst.RequiresSettlement && blocked {
			res.Outcome = OutcomeAborted
			res.Error = "an earlier sell did not settle"
			ilog.Warn("Aborting instruction because an earlier sell did not settle")
			report.Results = append(report.Results, res)
			continue
		}

		qty := inst.Quantity.Floor().IntPart()
		if qty < 1 {
			res.Outcome = OutcomeSkipped
			ilog.Info("Skipping instruction with no whole quantity")
			report.Results = append(report.Results, res)
			continue
		}

		order, err := e.submit(ctx, inst, qty, res.Tag)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			ilog.WithError(err).Error("Order submission failed")
			if inst.AwaitSettlement {
				blocked = true
			}
			report.Results = append(report.Results, res)
			continue
		}
		res.OrderID = order.Order.ID
		res.Status = order.Order.Status
		res.Outcome = OutcomeSubmitted
		ilog = ilog.WithField("order_id", res.OrderID)
		ilog.Info("Order submitted")

		if inst.AwaitSettlement {
			status, err := e.settle(ctx, res.OrderID)
			if status != "" {
				res.Status = status
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					report.Results = append(report.Results, res)
					return report, ctxErr
				}
				res.Outcome = OutcomeFailed
				res.Error = err.Error()
				blocked = true
				ilog.WithError(err).Error("Sell did not settle")
			} else {
				ilog.Info("Sell settled")
			}
		}

		report.Results = append(report.Results, res)
	}

	return report, nil
}

func (e *Executor) submit(ctx context.Context, inst models.TradeInstruction, qty int64, tag string) (*broker.OrderResponse, error) {
	symbol, err := broker.BrokerSymbol(inst.Asset)
	if err != nil {
		return nil, err
	}
	op := fmt.Sprintf("place %s %s", inst.Side, symbol)

	return retry.Submit(ctx, e.retry, op, func(ctx context.Context) (*broker.OrderResponse, error) {
		if inst.Asset.IsOption() {
			return e.broker.PlaceOptionOrder(ctx, symbol, inst.Side, qty, tag)
		}
		return e.broker.PlaceEquityOrder(ctx, symbol, inst.Side, qty, tag)
	})
}

// settle waits for a sell per the configured mode and returns the last status seen.
func (e *Executor) settle(ctx context.Context, orderID int) (string, error) {
	if e.config.Mode == ModeDelay {
		e.logger.WithField("delay", e.config.Delay.String()).Debug("Waiting for sell to settle")
		select {
		case <-time.After(e.config.Delay):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return e.pollOrderStatus(ctx, orderID)
}

// pollOrderStatus polls until the order is completely filled, fails, or the timeout passes.
func (e *Executor) pollOrderStatus(ctx context.Context, orderID int) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	log := e.logger.WithField("order_id", orderID)
	last := ""

	for {
		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return last, err
			}
			return last, fmt.Errorf("%w: order %d last status %q after %v",
				ErrSettlementTimeout, orderID, last, e.config.Timeout)
		case <-ticker.C:
			statusCtx, statusCancel := context.WithTimeout(pollCtx, e.config.CallTimeout)
			orderStatus, err := e.broker.GetOrderStatus(statusCtx, orderID)
			statusCancel()

			if err != nil {
				log.WithError(err).Warn("Error checking order status")
				continue
			}
			if orderStatus == nil || orderStatus.Order.Status == "" {
				log.Warn("Order status response is empty")
				continue
			}

			last = strings.ToLower(orderStatus.Order.Status)
			if orderStatus.IsFilled() {
				return last, nil
			}
			if orderStatus.IsTerminal() {
				reason := orderStatus.Order.ReasonDescription
				return last, fmt.Errorf("%w: order %d %s %s", ErrOrderFailed, orderID, last, reason)
			}
			log.WithFields(logrus.Fields{
				"status":   last,
				"exec_qty": orderStatus.Order.ExecQuantity,
				"qty":      orderStatus.Order.Quantity,
			}).Debug("Order still working")
		}
	}
}

// orderTag builds a broker order tag: letters, digits and dashes only.
func orderTag(cycleID string, index int) string {
	return fmt.Sprintf("rc-%s-%d", shortID(cycleID), index+1)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

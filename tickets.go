package htsp

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/outofforest/logger"
	"github.com/outofforest/htsp/wire"
)

// ItemType is the type of item tickets are issued for.
type ItemType int

// Item types.
const (
	ItemChannel ItemType = iota
	ItemRecording
)

func (t ItemType) String() string {
	switch t {
	case ItemChannel:
		return "channel"
	case ItemRecording:
		return "recording"
	default:
		return fmt.Sprintf("itemType(%d)", int(t))
	}
}

// Field returns name of the getTicket field carrying item id.
func (t ItemType) Field() string {
	switch t {
	case ItemChannel:
		return "channelId"
	case ItemRecording:
		return "dvrId"
	default:
		return ""
	}
}

const (
	ticketResultCached  = "cached"
	ticketResultFetched = "fetched"
	ticketResultFailed  = "failed"
)

// Requester sends request and waits for response.
type Requester interface {
	Request(ctx context.Context, msg *wire.Message, timeout time.Duration) (*wire.Message, error)
}

// TicketConfig configures ticket cache.
type TicketConfig struct {
	ItemType    ItemType
	Lifetime    time.Duration
	BaseTimeout time.Duration
	Retries     int
	HTTPBaseURL string
	Metrics     *Metrics

	// Now is used to compute expiry, time.Now if nil.
	Now func() time.Time
}

// TicketConfig returns ticket cache config derived from engine config.
func (c Config) TicketConfig(itemType ItemType) TicketConfig {
	return TicketConfig{
		ItemType:    itemType,
		Lifetime:    c.Tickets.Lifetime,
		BaseTimeout: c.Tickets.BaseTimeout,
		Retries:     c.Tickets.Retries,
		HTTPBaseURL: c.HTTPBaseURL,
	}
}

// Ticket grants access to the HTTP stream of an item.
type Ticket struct {
	ID      string
	Path    string
	Param   string
	URL     string
	Expires time.Time
}

// TicketTimeoutError is returned when all getTicket attempts fail.
type TicketTimeoutError struct {
	ItemType ItemType
	ItemID   string
	Attempts int
	Err      error
}

func (e *TicketTimeoutError) Error() string {
	return fmt.Sprintf("getting %s ticket for %q failed after %d attempts: %v", e.ItemType, e.ItemID, e.Attempts, e.Err)
}

func (e *TicketTimeoutError) Unwrap() error {
	return e.Err
}

type flightResult struct {
	Ticket *Ticket
	Cached bool
}

// TicketCache caches tickets of one item type, refreshing expired ones.
type TicketCache struct {
	requester Requester
	config    TicketConfig
	ids       sequence
	flights   singleflight.Group

	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewTicketCache creates ticket cache.
func NewTicketCache(requester Requester, config TicketConfig) (*TicketCache, error) {
	switch {
	case config.ItemType.Field() == "":
		return nil, errors.Errorf("unknown item type %d", config.ItemType)
	case config.Lifetime <= 0:
		return nil, errors.New("ticket lifetime must be positive")
	case config.BaseTimeout <= 0:
		return nil, errors.New("ticket base timeout must be positive")
	case config.Retries < 0:
		return nil, errors.New("ticket retries must not be negative")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &TicketCache{
		requester: requester,
		config:    config,
		tickets:   map[string]*Ticket{},
	}, nil
}

// Get returns valid ticket for the item, requesting new one from the server if needed.
// Concurrent calls for the same item share one request.
func (c *TicketCache) Get(ctx context.Context, itemID string) (*Ticket, error) {
	for {
		if t := c.valid(itemID); t != nil {
			c.config.Metrics.ticketLookup(c.config.ItemType, ticketResultCached)
			return t, nil
		}

		resCh := c.flights.DoChan(itemID, func() (any, error) {
			return c.fetch(ctx, itemID)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case res = <-resCh:
		}

		if res.Err != nil {
			// Flight was started by the caller which gave up, this one is still waiting.
			if res.Shared && ctx.Err() == nil && isContextError(res.Err) {
				continue
			}
			c.config.Metrics.ticketLookup(c.config.ItemType, ticketResultFailed)
			return nil, res.Err
		}
		r := res.Val.(flightResult)
		if r.Cached {
			c.config.Metrics.ticketLookup(c.config.ItemType, ticketResultCached)
		} else {
			c.config.Metrics.ticketLookup(c.config.ItemType, ticketResultFetched)
		}
		return r.Ticket, nil
	}
}

func (c *TicketCache) valid(itemID string) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.tickets[itemID]
	if t == nil || !c.config.Now().Before(t.Expires) {
		return nil
	}
	return t
}

func (c *TicketCache) fetch(ctx context.Context, itemID string) (flightResult, error) {
	// Previous flight might have finished between lookup and DoChan.
	if t := c.valid(itemID); t != nil {
		return flightResult{Ticket: t, Cached: true}, nil
	}

	log := logger.Get(ctx).With(
		zap.Stringer("itemType", c.config.ItemType),
		zap.String("itemID", itemID))

	attempts := 1 + c.config.Retries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		path, param, err := c.request(ctx, itemID, c.config.BaseTimeout*time.Duration(attempt))
		if err == nil {
			t := c.store(itemID, path, param)
			log.Debug("Ticket issued", zap.String("ticketID", t.ID), zap.Int("attempt", attempt))
			return flightResult{Ticket: t}, nil
		}
		if ctx.Err() != nil {
			return flightResult{}, errors.WithStack(ctx.Err())
		}

		lastErr = err
		c.config.Metrics.ticketAttemptFailed(c.config.ItemType)
		log.Warn("Getting ticket failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}

	return flightResult{}, errors.WithStack(&TicketTimeoutError{
		ItemType: c.config.ItemType,
		ItemID:   itemID,
		Attempts: attempts,
		Err:      lastErr,
	})
}

func (c *TicketCache) request(ctx context.Context, itemID string, timeout time.Duration) (string, string, error) {
	msg := wire.NewMessage("getTicket")
	if id, err := strconv.ParseInt(itemID, 10, 64); err == nil {
		msg.SetInt(c.config.ItemType.Field(), id)
	} else {
		msg.SetStr(c.config.ItemType.Field(), itemID)
	}

	resp, err := c.requester.Request(ctx, msg, timeout)
	if err != nil {
		return "", "", err
	}
	if reason, failed := wire.ResponseError(resp); failed {
		return "", "", errors.Errorf("server refused ticket: %s", reason)
	}

	path, ok := resp.Str("path")
	if !ok {
		return "", "", errors.New("ticket response misses path")
	}
	param, ok := resp.Str("ticket")
	if !ok {
		return "", "", errors.New("ticket response misses ticket")
	}
	return path, param, nil
}

func (c *TicketCache) store(itemID, path, param string) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := ""
	if prev := c.tickets[itemID]; prev != nil && prev.Path == path && prev.Param == param {
		id = prev.ID
	} else {
		id = strconv.FormatInt(int64(c.ids.Next()), 10)
	}

	t := &Ticket{
		ID:      id,
		Path:    path,
		Param:   param,
		URL:     c.config.HTTPBaseURL + path + "?ticket=" + url.QueryEscape(param),
		Expires: c.config.Now().Add(c.config.Lifetime),
	}
	c.tickets[itemID] = t
	return t
}

func isContextError(err error) bool {
	var timeoutErr *TicketTimeoutError
	if errors.As(err, &timeoutErr) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

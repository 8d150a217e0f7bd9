package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rahemur0910/ChatAppliocation/internal/models"
)

// State of the session with the selected counterpart.
type State int

const (
	// Closed: no history loaded, no live subscription applied to a chat.
	Closed State = iota
	// Opening: history fetch and read-marking in flight.
	Opening
	// Open: history loaded, inbound pushes for the counterpart append live.
	Open
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// ErrSuperseded reports that an Open was abandoned because the user
// switched counterpart before it finished. The newer session owns the
// display state; the stale flow must not touch it.
var ErrSuperseded = errors.New("session superseded")

// API is the server surface the controller drives. Implementations block;
// the controller releases its lock around every call.
type API interface {
	History(ctx context.Context, counterpartID int) ([]*models.Message, error)
	MarkRead(ctx context.Context, counterpartID int) (int, error)
	Send(ctx context.Context, counterpartID int, text, image string) (*models.Message, error)
	UnreadCounts(ctx context.Context) (map[int]int, error)
}

// Notifier is the sound/visual side effect for messages arriving from a
// sender other than the open counterpart.
type Notifier interface {
	Notify(msg *models.Message)
}

// Controller owns one client's chat display state: which counterpart is
// open, that chat's message sequence, and the local unread badges. Exactly
// one counterpart is Open at a time. All mutations go through the
// controller; there is no ambient shared state.
type Controller struct {
	api      API
	notifier Notifier
	selfID   int

	mu          sync.Mutex
	state       State
	counterpart int
	epoch       uint64
	messages    []*models.Message
	unread      map[int]int
}

func NewController(selfID int, api API, notifier Notifier) *Controller {
	return &Controller{
		api:      api,
		notifier: notifier,
		selfID:   selfID,
		unread:   make(map[int]int),
	}
}

// Open selects a counterpart: fetch history, mark the conversation read on
// the server, then clear the local badge. Switching counterpart mid-flight
// bumps the epoch, so a stale Open finds its epoch gone and backs out
// without clearing the wrong badge.
//
// If history fails the session reverts to Closed. If markRead fails after
// history succeeded, the session still opens but the badge stays: it must
// reflect server truth, and a later retry or reconcile settles it.
func (c *Controller) Open(ctx context.Context, counterpartID int) error {
	c.mu.Lock()
	c.epoch++
	myEpoch := c.epoch
	c.state = Opening
	c.counterpart = counterpartID
	c.messages = nil
	c.mu.Unlock()

	history, err := c.api.History(ctx, counterpartID)
	if err != nil {
		c.mu.Lock()
		if c.epoch == myEpoch {
			c.state = Closed
			c.counterpart = 0
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to load history: %w", err)
	}

	c.mu.Lock()
	if c.epoch != myEpoch {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.messages = append([]*models.Message(nil), history...)
	c.mu.Unlock()

	_, markErr := c.api.MarkRead(ctx, counterpartID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != myEpoch {
		return ErrSuperseded
	}

	c.state = Open
	if markErr != nil {
		// History is usable, but the badge must not be cleared on
		// client intent alone.
		return fmt.Errorf("failed to mark read: %w", markErr)
	}
	delete(c.unread, counterpartID)
	return nil
}

// Close tears the session down. Any in-flight Open becomes stale.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.state = Closed
	c.counterpart = 0
	c.messages = nil
}

// HandleEvent routes one inbound push. A message from the open counterpart
// appends to the live sequence in creation order; a message from anyone
// else bumps that sender's badge and fires the notifier. Own echoes are
// dropped.
func (c *Controller) HandleEvent(msg *models.Message) {
	if msg == nil || msg.SenderID == c.selfID {
		return
	}

	c.mu.Lock()
	if c.state == Open && msg.SenderID == c.counterpart {
		c.insertOrdered(msg)
		c.mu.Unlock()
		return
	}
	c.unread[msg.SenderID]++
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.Notify(msg)
	}
}

// Run consumes the live event stream until the context ends or the channel
// closes. The returned error is ctx.Err() when cancelled, nil on a clean
// close. Owning the subscription here keeps subscribe/unsubscribe paired
// with the goroutine's lifetime.
func (c *Controller) Run(ctx context.Context, events <-chan *models.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(msg)
		}
	}
}

// Send delivers a message to the open counterpart and appends the server's
// representation locally.
func (c *Controller) Send(ctx context.Context, text, image string) (*models.Message, error) {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return nil, errors.New("no open chat")
	}
	counterpartID := c.counterpart
	myEpoch := c.epoch
	c.mu.Unlock()

	msg, err := c.api.Send(ctx, counterpartID, text, image)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == myEpoch {
		c.insertOrdered(msg)
	}
	c.mu.Unlock()
	return msg, nil
}

// RefreshUnread replaces the local badges with the server's ledger
// snapshot. The open counterpart stays cleared: its messages are on
// screen.
func (c *Controller) RefreshUnread(ctx context.Context) error {
	counts, err := c.api.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch unread counts: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = make(map[int]int, len(counts))
	for senderID, count := range counts {
		if c.state == Open && senderID == c.counterpart {
			continue
		}
		if count > 0 {
			c.unread[senderID] = count
		}
	}
	return nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counterpart returns the selected counterpart id, 0 when Closed.
func (c *Controller) Counterpart() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpart
}

// Messages returns a copy of the open chat's sequence.
func (c *Controller) Messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Message(nil), c.messages...)
}

// Unread returns a copy of the local badge map.
func (c *Controller) Unread() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int, len(c.unread))
	for id, n := range c.unread {
		out[id] = n
	}
	return out
}

// insertOrdered appends msg preserving ascending creation order. Pushes
// almost always arrive in order, so the common case is a plain append.
// Callers hold c.mu.
func (c *Controller) insertOrdered(msg *models.Message) {
	n := len(c.messages)
	if n == 0 || !c.messages[n-1].CreatedAt.After(msg.CreatedAt) {
		c.messages = append(c.messages, msg)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return c.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
}

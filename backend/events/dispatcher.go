// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind loses live events and must backfill from its
// durable cursor.
const subscriberBuffer = 64

type subscriber struct {
	ch      chan models.Event
	convoID string
}

// Dispatcher fans committed events out to in-process subscribers, one
// channel per open stream. Sends never block the storage path: a full
// subscriber drops the event and relies on cursor backfill.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
	log  *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		subs: make(map[string]map[*subscriber]struct{}),
		log:  log,
	}
}

// Subscribe registers a live listener for one conversation. The returned
// cancel func must be called when the stream closes; it is safe to call
// more than once.
func (d *Dispatcher) Subscribe(convoID string) (<-chan models.Event, func()) {
	sub := &subscriber{
		ch:      make(chan models.Event, subscriberBuffer),
		convoID: convoID,
	}

	d.mu.Lock()
	if d.subs[convoID] == nil {
		d.subs[convoID] = make(map[*subscriber]struct{})
	}
	d.subs[convoID][sub] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			if set, ok := d.subs[convoID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(d.subs, convoID)
				}
			}
			d.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every live subscriber of its conversation.
func (d *Dispatcher) Publish(event models.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for sub := range d.subs[event.ConvoID] {
		select {
		case sub.ch <- event:
		default:
			d.log.Debug("dropping event for slow subscriber",
				zap.String("convo_id", event.ConvoID),
				zap.Int64("seq", event.Seq))
		}
	}
}

// SubscriberCount reports live listeners for a conversation.
func (d *Dispatcher) SubscriberCount(convoID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[convoID])
}

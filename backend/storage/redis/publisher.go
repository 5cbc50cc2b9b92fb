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

package redis

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/models"
)

// eventChannelPrefix is the pub/sub channel namespace for the fan-out
// stream; one channel per conversation.
const eventChannelPrefix = "convo:events:" // convo:events:{convoId}

func eventChannel(convoID string) string {
	return eventChannelPrefix + convoID
}

// Publisher forwards committed events to Redis pub/sub so every server
// instance sees writes made by its peers. Delivery is best-effort: the
// durable stream in Postgres is the source of truth for backfill.
type Publisher struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPublisher(rdb *redis.Client, log *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

func (p *Publisher) Publish(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error("marshal event", zap.Error(err))
		return
	}
	if err := p.rdb.Publish(context.Background(), eventChannel(event.ConvoID), data).Err(); err != nil {
		p.log.Warn("publish event",
			zap.String("convo_id", event.ConvoID),
			zap.Int64("seq", event.Seq),
			zap.Error(err))
	}
}

// EventSink receives events bridged in from Redis.
type EventSink interface {
	Publish(event models.Event)
}

// Bridge subscribes to every conversation channel and forwards decoded
// events into the local in-process dispatcher. Run blocks until the
// context is cancelled.
type Bridge struct {
	rdb  *redis.Client
	sink EventSink
	log  *zap.Logger
}

func NewBridge(rdb *redis.Client, sink EventSink, log *zap.Logger) *Bridge {
	return &Bridge{rdb: rdb, sink: sink, log: log}
}

func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, eventChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("malformed event payload",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if event.ConvoID == "" {
				event.ConvoID = strings.TrimPrefix(msg.Channel, eventChannelPrefix)
			}
			b.sink.Publish(event)
		}
	}
}

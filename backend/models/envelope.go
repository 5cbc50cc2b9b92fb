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

package models

import (
	"time"
)

const (
	EnvelopeTypeApplication = "application"
	EnvelopeTypeCommit      = "commit"
)

// padSizes is the fixed set of padded-size buckets. Stored sizes never
// reveal raw ciphertext length.
var padSizes = []int64{512, 1024, 4096, 16384, 65536, 262144}

// PadSize maps a declared size to the smallest bucket that covers it.
// Oversized payloads land in the largest bucket.
func PadSize(declared int64) int64 {
	for _, bucket := range padSizes {
		if declared <= bucket {
			return bucket
		}
	}
	return padSizes[len(padSizes)-1]
}

// receiptQuantum is the coarseness of stored receipt timestamps.
const receiptQuantum = 2 * time.Second

// QuantizeReceipt floors a receipt time into its 2-second bucket,
// expressed as a unix timestamp.
func QuantizeReceipt(t time.Time) int64 {
	q := int64(receiptQuantum / time.Second)
	return (t.Unix() / q) * q
}

// Envelope is one stored encrypted message unit, ordered by (epoch, seq)
// rather than wall-clock time. SenderUserID/SenderDeviceID are always the
// identity gate's verified values at write time, never client-supplied.
type Envelope struct {
	ID              string    `json:"id" db:"id"`
	ConvoID         string    `json:"convo_id" db:"convo_id"`
	Type            string    `json:"type" db:"envelope_type"`
	Epoch           int64     `json:"epoch" db:"epoch"`
	Seq             int64     `json:"seq" db:"seq"`
	Ciphertext      []byte    `json:"ciphertext" db:"ciphertext"`
	ClientMessageID string    `json:"client_message_id,omitempty" db:"msg_id"`
	SenderUserID    string    `json:"sender_user_id,omitempty" db:"sender_user_id"`
	SenderDeviceID  string    `json:"sender_device_id,omitempty" db:"sender_device_id"`
	PaddedSize      int64     `json:"padded_size" db:"padded_size"`
	ReceivedBucket  int64     `json:"received_bucket_ts" db:"received_bucket_ts"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time `json:"expires_at" db:"expires_at"`
}

// AppendEnvelopeParams carries one send-message write. Epoch must equal
// the conversation's current epoch at commit time.
type AppendEnvelopeParams struct {
	ConvoID         string
	Sender          DeviceID
	Epoch           int64
	Ciphertext      []byte
	ClientMessageID string
	DeclaredSize    int64
	IdempotencyKey  string
}

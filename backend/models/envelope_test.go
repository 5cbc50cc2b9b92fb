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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPadSize(t *testing.T) {
	cases := []struct {
		declared int64
		want     int64
	}{
		{0, 512},
		{1, 512},
		{512, 512},
		{513, 1024},
		{1024, 1024},
		{1025, 4096},
		{4097, 16384},
		{20000, 65536},
		{70000, 262144},
		{262144, 262144},
		// Oversized payloads land in the largest bucket.
		{1 << 20, 262144},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PadSize(tc.declared), "declared=%d", tc.declared)
	}
}

func TestQuantizeReceipt(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, base.Unix(), QuantizeReceipt(base))
	assert.Equal(t, base.Unix(), QuantizeReceipt(base.Add(1*time.Second)))
	assert.Equal(t, base.Unix(), QuantizeReceipt(base.Add(1999*time.Millisecond)))
	assert.Equal(t, base.Unix()+2, QuantizeReceipt(base.Add(2*time.Second)))

	// Quantized values are always even multiples of the bucket width.
	for i := 0; i < 10; i++ {
		q := QuantizeReceipt(base.Add(time.Duration(i) * 700 * time.Millisecond))
		assert.Zero(t, q%2)
	}
}

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

func TestWelcomeInGrace(t *testing.T) {
	grace := 5 * time.Minute
	now := time.Now()

	recent := now.Add(-time.Minute)

	available := Welcome{State: WelcomeStateAvailable, CreatedAt: recent}
	assert.True(t, available.InGrace(grace, now), "fresh available welcome is protected")

	// A welcome the recipient never fetched ages out of grace; the device
	// may have lost the matching key-package secret and needs a rejoin to
	// mint replacement material.
	available.CreatedAt = now.Add(-10 * time.Minute)
	assert.False(t, available.InGrace(grace, now), "stale available welcome is not protected")

	fetched := Welcome{State: WelcomeStateFetched, FetchedAt: &recent}
	assert.True(t, fetched.InGrace(grace, now))

	stale := now.Add(-10 * time.Minute)
	fetched.FetchedAt = &stale
	assert.False(t, fetched.InGrace(grace, now))

	consumed := Welcome{State: WelcomeStateConsumed, FetchedAt: &recent}
	assert.False(t, consumed.InGrace(grace, now))

	// Fetched without a timestamp cannot claim protection.
	broken := Welcome{State: WelcomeStateFetched}
	assert.False(t, broken.InGrace(grace, now))
}

func TestWelcomeUnconsumed(t *testing.T) {
	assert.True(t, (&Welcome{State: WelcomeStateAvailable}).Unconsumed())
	assert.True(t, (&Welcome{State: WelcomeStateFetched}).Unconsumed())
	assert.False(t, (&Welcome{State: WelcomeStateConsumed}).Unconsumed())
	assert.False(t, (&Welcome{State: WelcomeStateExpired}).Unconsumed())
}

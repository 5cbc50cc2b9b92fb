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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := NewViper()
	v.Set("jwt.secret", "secret")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.HTTPAddress)
	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 5*time.Minute, cfg.WelcomeGrace)
	assert.Equal(t, 10*time.Minute, cfg.KeyCacheTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.KeyPackageExpiry)
	assert.Greater(t, cfg.MessageTTL, time.Duration(0))
	assert.Greater(t, cfg.SweepInterval, time.Duration(0))
	assert.Greater(t, cfg.ReadPerSec, 0.0)
	assert.Greater(t, cfg.MaxPackagesPerDev, 0)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	v := NewViper()
	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestLoadRejectsNonPositiveWindows(t *testing.T) {
	v := NewViper()
	v.Set("jwt.secret", "secret")
	v.Set("reservation.ttl", 0)

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reservation.ttl")
}

func TestLoadOverrides(t *testing.T) {
	v := NewViper()
	v.Set("jwt.secret", "secret")
	v.Set("http.address", ":9999")
	v.Set("reservation.ttl", "2m")
	v.Set("message.ttl_days", 14)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddress)
	assert.Equal(t, 2*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.MessageTTL)
}

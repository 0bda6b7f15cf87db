// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// routingTTL is how long the configured mailbox set is cached before a
// reload. Mailbox changes take effect within one TTL without a restart.
const routingTTL = 5 * time.Minute

// Mailbox is a configured destination address and the department it
// routes to.
type Mailbox struct {
	Email       string
	Type        string
	Description string
}

// routingCache is a time-bounded cache of the mailbox set. A failed
// reload serves the previous value rather than failing the lookup; an
// error surfaces only when there is nothing cached at all.
type routingCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	load func(ctx context.Context) ([]Mailbox, error)
	now  func() time.Time

	value  []Mailbox
	expiry time.Time
}

func newRoutingCache(ttl time.Duration, load func(ctx context.Context) ([]Mailbox, error)) *routingCache {
	return &routingCache{
		ttl:  ttl,
		load: load,
		now:  time.Now,
	}
}

func (c *routingCache) get(ctx context.Context) ([]Mailbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && c.now().Before(c.expiry) {
		return c.value, nil
	}

	fresh, err := c.load(ctx)
	if err != nil {
		if c.value != nil {
			slog.Warn("mailbox reload failed, serving cached set", "error", err)
			return c.value, nil
		}
		return nil, fmt.Errorf("load mailboxes: %w", err)
	}

	c.value = fresh
	c.expiry = c.now().Add(c.ttl)
	return c.value, nil
}

// ResolveMailbox maps a destination address to its department. The
// second return is false when the address is not a configured mailbox.
func (s *Store) ResolveMailbox(ctx context.Context, to string) (string, bool, error) {
	mailboxes, err := s.routing.get(ctx)
	if err != nil {
		return "", false, err
	}

	for _, m := range mailboxes {
		if strings.EqualFold(m.Email, to) {
			return m.Type, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) loadMailboxes(ctx context.Context) ([]Mailbox, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, email_alias, description
		FROM departments
		WHERE email_alias <> ''
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mailboxes := []Mailbox{}
	for rows.Next() {
		var m Mailbox
		if err := rows.Scan(&m.Type, &m.Email, &m.Description); err != nil {
			return nil, err
		}
		m.Type = strings.ToLower(m.Type)
		mailboxes = append(mailboxes, m)
	}
	return mailboxes, rows.Err()
}

// SeedMailboxes upserts the configured mailbox set into the departments
// table so routing survives restarts and is editable out of band.
func (s *Store) SeedMailboxes(ctx context.Context, mailboxes []Mailbox) error {
	for _, m := range mailboxes {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO departments (name, email_alias, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET
				email_alias = EXCLUDED.email_alias,
				description = EXCLUDED.description
		`, strings.ToLower(m.Type), m.Email, m.Description)
		if err != nil {
			return fmt.Errorf("seed mailbox %s: %w", m.Email, err)
		}
	}
	return nil
}

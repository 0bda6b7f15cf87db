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

// Package provider fetches unseen messages from IMAP mail stores.
// Gmail and Outlook are configuration presets over the generic adapter,
// not separate implementations.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mailclerk/assistant/internal/config"
	"github.com/mailclerk/assistant/internal/models"
)

// Adapter fetches messages from a single IMAP mail store.
type Adapter struct {
	name     string
	server   string
	port     int
	username string
	password string
	folder   string
	useSSL   bool
	markSeen bool

	// tokens is non-nil when the provider authenticates with
	// OAUTHBEARER instead of a password.
	tokens oauth2.TokenSource
}

// New creates an adapter for the given provider config. markSeen controls
// whether fetched messages are flagged \Seen on the server.
func New(ctx context.Context, cfg config.ProviderConfig, markSeen bool) *Adapter {
	a := &Adapter{
		name:     cfg.Name,
		server:   cfg.Server,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		folder:   cfg.Folder,
		useSSL:   cfg.UseSSL,
		markSeen: markSeen,
	}

	if cfg.OAuth != nil {
		creds := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		a.tokens = creds.TokenSource(ctx)
	}

	return a
}

// Name returns the configured provider name.
func (a *Adapter) Name() string { return a.name }

// Fetch connects to the mail store and retrieves unseen messages newer
// than now-ageLimit, capped at batchSize. A failure fetching one message
// is logged and skipped; a connection or search failure aborts the cycle
// and returns whatever was already fetched.
func (a *Adapter) Fetch(ctx context.Context, ageLimit time.Duration, batchSize int) ([]models.RawMessage, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(a.folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select folder %s: %w", a.folder, err)
	}

	criteria := &imap.SearchCriteria{
		Since:   time.Now().Add(-ageLimit),
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if batchSize > 0 && len(uids) > batchSize {
		uids = uids[:batchSize]
	}

	var fetched []models.RawMessage
	var seen []imap.UID

	for _, uid := range uids {
		raw, err := a.fetchOne(client, uid)
		if err != nil {
			slog.Error("failed to fetch message, skipping",
				"provider", a.name,
				"uid", uint32(uid),
				"error", err,
			)
			continue
		}

		fetched = append(fetched, models.RawMessage{
			ID:                uuid.New().String(),
			Provider:          a.name,
			ProviderMessageID: strconv.FormatUint(uint64(uid), 10),
			Content:           raw,
			FetchedAt:         time.Now().UTC(),
		})
		seen = append(seen, uid)
	}

	if a.markSeen && len(seen) > 0 {
		if err := a.flagSeen(client, seen); err != nil {
			slog.Warn("failed to mark messages seen",
				"provider", a.name,
				"count", len(seen),
				"error", err,
			)
		}
	}

	return fetched, nil
}

// connect dials the server and authenticates.
func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", a.server, a.port)

	var client *imapclient.Client
	var err error
	if a.useSSL {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	if a.tokens != nil {
		tok, err := a.tokens.Token()
		if err != nil {
			_ = client.Logout().Wait()
			return nil, fmt.Errorf("obtain OAuth token for %s: %w", a.username, err)
		}
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: a.username,
			Token:    tok.AccessToken,
			Host:     a.server,
			Port:     a.port,
		})
		if err := client.Authenticate(saslClient); err != nil {
			_ = client.Logout().Wait()
			return nil, fmt.Errorf("OAUTHBEARER auth for %s: %w", a.username, err)
		}
		return client, nil
	}

	if err := client.Login(a.username, a.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("login as %s: %w", a.username, err)
	}

	return client, nil
}

// fetchOne retrieves the full raw RFC 5322 bytes for a single UID.
// Peek avoids setting \Seen implicitly; flagging is a separate,
// configurable step.
func (a *Adapter) fetchOne(client *imapclient.Client, uid imap.UID) ([]byte, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect message data: %w", err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	return raw, nil
}

// flagSeen marks the given UIDs \Seen.
func (a *Adapter) flagSeen(client *imapclient.Client, uids []imap.UID) error {
	storeCmd := client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	return storeCmd.Close()
}

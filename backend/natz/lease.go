// Copyright 2025 Nguyen Nhat Nguyen
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

package natz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// errLeaseHeld means another worker holds a live lease on the key.
var errLeaseHeld = errors.New("lease held by another worker")

// lease is a revision-guarded single-writer lock stored as one KV key.
// Create/Update compare-and-swap on the KV revision; a lease whose stored
// expiry has passed may be stolen.
type lease struct {
	key      string
	revision uint64
	expires  time.Time
}

// acquireLease takes the lock for key, stealing it if the previous holder's
// expiry has lapsed without a release.
func acquireLease(ctx context.Context, kv jetstream.KeyValue, key string, ttl time.Duration) (*lease, error) {
	expires := time.Now().UTC().Add(ttl)
	value := []byte(expires.Format(time.RFC3339Nano))

	rev, err := kv.Create(ctx, key, value)
	if err == nil {
		return &lease{key: key, revision: rev, expires: expires}, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("create lease %s: %w", key, err)
	}

	entry, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("inspect lease %s: %w", key, err)
	}
	held, parseErr := time.Parse(time.RFC3339Nano, string(entry.Value()))
	if parseErr == nil && held.After(time.Now().UTC()) {
		return nil, errLeaseHeld
	}

	// expired (or unreadable) lease: steal via CAS on its revision
	rev, err = kv.Update(ctx, key, value, entry.Revision())
	if err != nil {
		return nil, errLeaseHeld
	}
	return &lease{key: key, revision: rev, expires: expires}, nil
}

// renew extends the lease by ttl. Failing the CAS means the lease was
// stolen or released; the holder must abandon its work item.
func (l *lease) renew(ctx context.Context, kv jetstream.KeyValue, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	rev, err := kv.Update(ctx, l.key, []byte(expires.Format(time.RFC3339Nano)), l.revision)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	l.revision = rev
	l.expires = expires
	return nil
}

// release deletes the lease. Losing the CAS race here is benign: the lease
// was already stolen after expiry.
func (l *lease) release(ctx context.Context, kv jetstream.KeyValue) error {
	if err := kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision)); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

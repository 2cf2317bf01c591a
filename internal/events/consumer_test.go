package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"covenant.church/internal/identity"
)

// fakeReader serves queued messages and records commits.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	commits   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, commits: make(chan struct{}, len(msgs)+1)}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	f.committed = append(f.committed, msgs...)
	f.mu.Unlock()
	for range msgs {
		f.commits <- struct{}{}
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func message(t *testing.T, offset int64, ev Event) kafka.Message {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Key: []byte(ev.IdentityID), Value: body}
}

var testPolicy = identity.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func runUntilCommitted(t *testing.T, c *Consumer, r *fakeReader, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	for i := 0; i < n; i++ {
		select {
		case <-r.commits:
		case <-time.After(2 * time.Second):
			cancel()
			t.Fatalf("only %d of %d messages committed", i, n)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func fastConsumer(r Reader, h *Handler) *Consumer {
	c := NewConsumer(r, h, time.Second)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return c
}

func TestConsumerReconcilesCreatedIdentity(t *testing.T) {
	store := identity.NewMemoryStore()
	store.PutCredential(identity.Credential{ID: "u1", Email: "Pat@Org.com", DisplayName: "Pat Doe"})
	rec, _ := identity.NewReconciler(store)
	inv := &recordingInvalidator{}
	reader := newFakeReader(
		message(t, 1, Event{Type: TypeIdentityCreated, IdentityID: "u1", Email: "Pat@Org.com", DisplayName: "Pat Doe"}),
		kafka.Message{Offset: 2, Value: []byte("{broken")},
		message(t, 3, Event{Type: "identity.renamed", IdentityID: "u1"}),
	)

	runUntilCommitted(t, fastConsumer(reader, NewHandler(store, rec, inv, nil, testPolicy)), reader, 3)

	p, err := store.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("profile not created: %v", err)
	}
	if p.FullName != "Pat Doe" || p.Email != "pat@org.com" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if len(reader.committed) != 3 {
		t.Fatalf("expected malformed and unknown messages to be committed, got %d", len(reader.committed))
	}
	if len(inv.ids) != 1 || inv.ids[0] != "u1" {
		t.Fatalf("expected cache invalidation for u1, got %v", inv.ids)
	}
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	store := identity.NewMemoryStore()
	store.PutCredential(identity.Credential{ID: "u1", Email: "pat@org.com"})
	var mu sync.Mutex
	failures := 5
	store.SetFault(func(op string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == "GetProfile" && failures > 0 {
			failures--
			return identity.ErrStoreUnavailable
		}
		return nil
	})
	rec, _ := identity.NewReconciler(store)
	reader := newFakeReader(message(t, 1, Event{Type: TypeIdentityCreated, IdentityID: "u1", Email: "pat@org.com"}))

	runUntilCommitted(t, fastConsumer(reader, NewHandler(store, rec, nil, nil, testPolicy)), reader, 1)

	if _, err := store.GetMembershipByIdentity(context.Background(), "u1"); err != nil {
		t.Fatalf("membership not created after retries: %v", err)
	}
	if failures != 0 {
		t.Fatalf("expected all injected failures consumed, %d left", failures)
	}
}

func TestConsumerPublishesConflicts(t *testing.T) {
	store := identity.NewMemoryStore()
	store.PutCredential(identity.Credential{ID: "a1", Email: "dup@org.com"})
	store.PutCredential(identity.Credential{ID: "a2", Email: "dup@org.com"})
	store.SeedMembership(identity.Membership{ID: "m1", IdentityID: "a1", Email: "dup@org.com"})
	rec, _ := identity.NewReconciler(store)
	w := &fakeWriter{}
	reader := newFakeReader(message(t, 1, Event{Type: TypeIdentityCreated, IdentityID: "a2", Email: "dup@org.com"}))

	runUntilCommitted(t, fastConsumer(reader, NewHandler(store, rec, nil, NewPublisherWithWriter(w), testPolicy)), reader, 1)

	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "a2" {
		t.Fatalf("expected one conflict notification keyed a2, got %+v", w.msgs)
	}
	var ev ConflictEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TypeConflict || ev.Details["email"] != "dup@org.com" {
		t.Fatalf("unexpected conflict event: %+v", ev)
	}
}

func TestConsumerForgetsDeletedIdentity(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()
	store.PutCredential(identity.Credential{ID: "u1", Email: "pat@org.com"})
	rec, _ := identity.NewReconciler(store)
	if _, err := rec.Reconcile(ctx, identity.Credential{ID: "u1", Email: "pat@org.com"}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	_ = store.AppendRoleGrant(ctx, identity.RoleGrant{ID: "g1", IdentityID: "u1", Role: identity.GrantAdmin, GrantedBy: "root"})
	store.DeleteCredential("u1")
	inv := &recordingInvalidator{}
	reader := newFakeReader(message(t, 1, Event{Type: TypeIdentityDeleted, IdentityID: "u1"}))

	runUntilCommitted(t, fastConsumer(reader, NewHandler(store, rec, inv, nil, testPolicy)), reader, 1)

	if _, err := store.GetMembershipByIdentity(ctx, "u1"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("membership not removed: %v", err)
	}
	grants, _ := store.ListRoleGrants(ctx, "u1")
	if len(grants) != 1 || !grants[0].Revoked || grants[0].RevokedBy != TypeIdentityDeleted {
		t.Fatalf("grant not revoked: %+v", grants)
	}
	if len(inv.ids) != 1 {
		t.Fatalf("expected invalidation, got %v", inv.ids)
	}
}

func TestConsumerUsesStoredCredential(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()
	store.PutCredential(identity.Credential{ID: "u1", Email: "new@org.com"})
	rec, _ := identity.NewReconciler(store)
	reader := newFakeReader(
		// Delivered late, after the email already changed.
		message(t, 1, Event{Type: TypeIdentityLogin, IdentityID: "u1", Email: "old@org.com"}),
		message(t, 2, Event{Type: TypeIdentityCreated, IdentityID: "gone", Email: "gone@org.com"}),
	)

	runUntilCommitted(t, fastConsumer(reader, NewHandler(store, rec, nil, nil, testPolicy)), reader, 2)

	p, err := store.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("profile not created: %v", err)
	}
	if p.Email != "new@org.com" {
		t.Fatalf("stale event email applied: %q", p.Email)
	}
	if _, err := store.GetProfile(ctx, "gone"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("profile created for missing credential: %v", err)
	}
}

func TestDecodeRequiresIdentity(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"identity.created","email":"a@b.c"}`)); err == nil {
		t.Fatalf("expected error for missing identity_id")
	}
	ev, err := Decode([]byte(`{"type":" identity.deleted ","identity_id":" u1 "}`))
	if err != nil || ev.Type != TypeIdentityDeleted || ev.IdentityID != "u1" {
		t.Fatalf("unexpected decode: %+v err=%v", ev, err)
	}
}

package activitypub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/blogpub/domain"
	"github.com/google/uuid"
)

// addFollowers makes the named remote actors follow the site
func (env *testEnv) addFollowers(t *testing.T, names ...string) {
	t.Helper()
	ctx := context.Background()
	for _, name := range names {
		actor, err := env.directory.GetActor(ctx, env.remote.actorURI(name))
		if err != nil {
			t.Fatalf("GetActor(%s) failed: %v", name, err)
		}
		if _, err := env.db.AddFollower(ctx, env.settings.SiteId, actor.Id); err != nil {
			t.Fatalf("AddFollower(%s) failed: %v", name, err)
		}
	}
}

func TestPublishPostSnapshotsFollowers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "alice", "bob", "carol")

	item, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/1", Title: "First & <best>"})
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}

	targets, err := env.db.ReadOutboxTargets(ctx, item.Id)
	if err != nil {
		t.Fatalf("ReadOutboxTargets failed: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}

	env.addFollowers(t, "dave")
	if targets, _ = env.db.ReadOutboxTargets(ctx, item.Id); len(targets) != 3 {
		t.Errorf("later follower was added to the item: %d targets", len(targets))
	}

	activity, err := DecodeActivity([]byte(item.Activity))
	if err != nil {
		t.Fatalf("DecodeActivity failed: %v", err)
	}
	note := activity.(*Create).Object.(*Note)
	want := `New post! <a href="https://blog.example/posts/1">First &amp; &lt;best&gt;</a>`
	if note.Content != want {
		t.Errorf("content = %q, want %q", note.Content, want)
	}
	if !note.To.Contains(PublicAddress) || !note.Cc.Contains(env.settings.FollowersURI()) {
		t.Errorf("addressing = %v / %v", note.To, note.Cc)
	}
	if !strings.HasPrefix(item.ActivityId, env.settings.ActivityPubBase()+"activities/") {
		t.Errorf("activity id = %q", item.ActivityId)
	}
}

func TestPublishPostOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	post := domain.Post{URL: "https://blog.example/posts/1", Title: "First"}

	first, err := env.dispatcher.PublishPost(ctx, post)
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}
	second, err := env.dispatcher.PublishPost(ctx, post)
	if err != nil {
		t.Fatalf("second PublishPost failed: %v", err)
	}
	if first.Id != second.Id {
		t.Error("post was queued twice")
	}
}

func TestEnqueueWithoutTargetsIsDelivered(t *testing.T) {
	env := newTestEnv(t)

	item, err := env.dispatcher.UpdateProfile(context.Background())
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	stored, _ := env.db.ReadOutboxItem(context.Background(), item.Id)
	if !stored.AllDelivered {
		t.Error("item without targets should be all delivered")
	}
}

func TestRunDeliveryCycleDelivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "alice", "bob")

	item, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/1", Title: "First"})
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}

	result, err := env.dispatcher.RunDeliveryCycle(ctx)
	if err != nil {
		t.Fatalf("RunDeliveryCycle failed: %v", err)
	}
	if result.Pending != 2 || result.Delivered != 2 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}

	received := env.remote.received()
	if len(received) != 2 {
		t.Fatalf("expected 2 POSTs, got %d", len(received))
	}
	for _, r := range received {
		if r.Headers.Get("Digest") != calculateDigest(r.Body) {
			t.Errorf("%s: digest does not match body", r.Path)
		}
		if string(r.Body) != item.Activity {
			t.Errorf("%s: body differs from stored activity", r.Path)
		}
	}

	stored, _ := env.db.ReadOutboxItem(ctx, item.Id)
	if !stored.AllDelivered {
		t.Error("item should be all delivered")
	}
	logs, _ := env.db.ReadDeliveryLogs(ctx, item.Id, "", 10)
	if len(logs) != 2 || !logs[0].Successful || logs[0].StatusCode == nil || *logs[0].StatusCode != http.StatusAccepted {
		t.Errorf("logs = %+v", logs)
	}

	// nothing left to do
	if result, _ = env.dispatcher.RunDeliveryCycle(ctx); result.Pending != 0 {
		t.Errorf("second cycle found %d pending", result.Pending)
	}
}

func TestDeliveryStallsAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "bob")
	env.remote.setInboxStatus(http.StatusServiceUnavailable)

	item, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/1", Title: "First"})
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}

	for i := 0; i < MaxRetries; i++ {
		result, err := env.dispatcher.RunDeliveryCycle(ctx)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i+1, err)
		}
		if result.Failed != 1 {
			t.Fatalf("cycle %d: result = %+v", i+1, result)
		}
	}

	result, err := env.dispatcher.RunDeliveryCycle(ctx)
	if err != nil {
		t.Fatalf("final cycle failed: %v", err)
	}
	if result.Pending != 0 {
		t.Errorf("stalled target was selected again: %+v", result)
	}

	logs, _ := env.db.ReadDeliveryLogs(ctx, item.Id, env.remote.actorURI("bob"), 100)
	if len(logs) != MaxRetries {
		t.Fatalf("expected %d logs, got %d", MaxRetries, len(logs))
	}
	for _, l := range logs {
		if l.Successful || l.StatusCode == nil || *l.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("log = %+v", l)
		}
	}
	if len(env.remote.received()) != MaxRetries {
		t.Errorf("expected %d attempts, got %d", MaxRetries, len(env.remote.received()))
	}
}

func TestDeliveryTransportErrorHasNoStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// the actor is known but its inbox is unreachable
	actor, err := env.db.UpsertKnownActor(ctx, &domain.KnownActor{
		ActorURI: "https://offline.example/users/dan",
		InboxURI: "https://127.0.0.1:1/inbox",
		Server:   "offline.example",
	})
	if err != nil {
		t.Fatalf("UpsertKnownActor failed: %v", err)
	}
	follow := &Follow{ID: actor.ActorURI + "/follows/1", Actor: actor.ActorURI, Object: IRI(env.settings.ActorURI())}
	item, err := env.dispatcher.AcceptFollow(ctx, follow)
	if err != nil {
		t.Fatalf("AcceptFollow failed: %v", err)
	}

	if result, _ := env.dispatcher.RunDeliveryCycle(ctx); result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	logs, _ := env.db.ReadDeliveryLogs(ctx, item.Id, "", 10)
	if len(logs) != 1 || logs[0].StatusCode != nil || logs[0].ResponseBody == "" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestDeliveryKeepsOrderPerTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "bob")

	var ids []string
	for i := 0; i < 3; i++ {
		item, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/" + uuid.New().String(), Title: "Post"})
		if err != nil {
			t.Fatalf("PublishPost failed: %v", err)
		}
		ids = append(ids, item.ActivityId)
	}

	if _, err := env.dispatcher.RunDeliveryCycle(ctx); err != nil {
		t.Fatalf("RunDeliveryCycle failed: %v", err)
	}

	received := env.remote.received()
	if len(received) != 3 {
		t.Fatalf("expected 3 POSTs, got %d", len(received))
	}
	for i, r := range received {
		activity, _ := DecodeActivity(r.Body)
		if activity.ObjectID() != ids[i] {
			t.Errorf("POST %d carried %s, want %s", i, activity.ObjectID(), ids[i])
		}
	}
}

func TestRetriedItemGoesOutBeforeNewerOnes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "bob")

	first, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/first", Title: "First"})
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}
	env.remote.setInboxStatus(http.StatusInternalServerError)
	if _, err := env.dispatcher.RunDeliveryCycle(ctx); err != nil {
		t.Fatalf("RunDeliveryCycle failed: %v", err)
	}

	env.remote.setInboxStatus(http.StatusAccepted)
	second, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/second", Title: "Second"})
	if err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}
	result, err := env.dispatcher.RunDeliveryCycle(ctx)
	if err != nil {
		t.Fatalf("RunDeliveryCycle failed: %v", err)
	}
	if result.Delivered != 2 {
		t.Errorf("result = %+v", result)
	}

	received := env.remote.received()
	if len(received) != 3 {
		t.Fatalf("expected 3 POSTs, got %d", len(received))
	}
	want := []string{first.ActivityId, first.ActivityId, second.ActivityId}
	for i, r := range received {
		activity, _ := DecodeActivity(r.Body)
		if activity.ObjectID() != want[i] {
			t.Errorf("POST %d carried %s, want %s", i, activity.ObjectID(), want[i])
		}
	}
}

func TestDeliveryStopsTargetAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "bob")
	env.remote.setInboxStatus(http.StatusBadGateway)

	for i := 0; i < 3; i++ {
		if _, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/" + uuid.New().String()}); err != nil {
			t.Fatalf("PublishPost failed: %v", err)
		}
	}

	result, err := env.dispatcher.RunDeliveryCycle(ctx)
	if err != nil {
		t.Fatalf("RunDeliveryCycle failed: %v", err)
	}
	if result.Pending != 3 || result.Failed != 1 || result.Delivered != 0 {
		t.Errorf("result = %+v", result)
	}
	if len(env.remote.received()) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(env.remote.received()))
	}
}

func TestGroupByTarget(t *testing.T) {
	rows := []domain.PendingDelivery{
		{Target: "a", ActivityId: "1"},
		{Target: "b", ActivityId: "1"},
		{Target: "a", ActivityId: "2"},
		{Target: "c", ActivityId: "1"},
		{Target: "b", ActivityId: "2"},
	}
	queues := groupByTarget(rows)

	want := [][]string{{"a:1", "a:2"}, {"b:1", "b:2"}, {"c:1"}}
	if len(queues) != len(want) {
		t.Fatalf("expected %d queues, got %d", len(want), len(queues))
	}
	for i, queue := range queues {
		for j, p := range queue {
			if got := p.Target + ":" + p.ActivityId; got != want[i][j] {
				t.Errorf("queue %d item %d = %s, want %s", i, j, got, want[i][j])
			}
		}
	}
}

func TestGroupByTargetSortsByCreation(t *testing.T) {
	early := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	// retried rows sort after fresh ones in the selection
	rows := []domain.PendingDelivery{
		{Target: "a", ActivityId: "3", CreatedAt: late, Seq: 3},
		{Target: "a", ActivityId: "2", CreatedAt: early, Seq: 2, Retries: 1},
		{Target: "a", ActivityId: "1", CreatedAt: early, Seq: 1, Retries: 2},
	}
	queues := groupByTarget(rows)
	if len(queues) != 1 {
		t.Fatalf("expected 1 queue, got %d", len(queues))
	}
	var got []string
	for _, p := range queues[0] {
		got = append(got, p.ActivityId)
	}
	if strings.Join(got, ",") != "1,2,3" {
		t.Errorf("queue order = %v", got)
	}
}

func TestDeliverItemLeavesItemToRunningCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lock := NewLocalCycleLock()
	dispatcher := NewDispatcher(env.db, env.settings, env.directory, DispatcherOptions{Client: env.remote.Client(), Lock: lock})
	processor := NewProcessor(env.db, env.settings, env.directory, dispatcher, env.blocks)

	if ok, _ := lock.TryLock(ctx); !ok {
		t.Fatal("TryLock failed")
	}
	req, body := env.remote.signedPost("bob", env.follow("bob"))
	if _, err := processor.Receive(ctx, req, body); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(env.remote.received()) != 0 {
		t.Fatalf("Accept was posted while a cycle held the lock")
	}
	pending, _ := env.db.ReadPendingDeliveries(ctx, env.settings.SiteId, MaxRetries, 10)
	if len(pending) != 1 || pending[0].Retries != 0 {
		t.Fatalf("pending = %+v", pending)
	}
	lock.Unlock(ctx)

	result, err := dispatcher.RunDeliveryCycle(ctx)
	if err != nil {
		t.Fatalf("RunDeliveryCycle failed: %v", err)
	}
	if result.Delivered != 1 || len(env.remote.received()) != 1 {
		t.Errorf("result = %+v, %d POSTs", result, len(env.remote.received()))
	}
}

func TestRunDeliveryCycleSkipsWhenLocked(t *testing.T) {
	env := newTestEnv(t)
	lock := NewLocalCycleLock()
	dispatcher := NewDispatcher(env.db, env.settings, env.directory, DispatcherOptions{Client: env.remote.Client(), Lock: lock})

	ok, _ := lock.TryLock(context.Background())
	if !ok {
		t.Fatal("TryLock failed")
	}
	result, err := dispatcher.RunDeliveryCycle(context.Background())
	if err != nil || !result.Skipped {
		t.Errorf("result = %+v, %v", result, err)
	}
	lock.Unlock(context.Background())

	if result, _ = dispatcher.RunDeliveryCycle(context.Background()); result.Skipped {
		t.Error("cycle skipped after unlock")
	}
}

func TestStartDeliveryWorker(t *testing.T) {
	env := newTestEnv(t)
	env.addFollowers(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/1"}); err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}
	env.dispatcher.StartDeliveryWorker(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for len(env.remote.received()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not deliver")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeliveryAcrossTargetsIsConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addFollowers(t, "alice", "bob", "carol", "dave")

	var mu sync.Mutex
	var active, peak int
	release := make(chan struct{})
	var releaseOnce sync.Once
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		reached := peak >= 2
		mu.Unlock()
		if reached {
			releaseOnce.Do(func() { close(release) })
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		mu.Lock()
		active--
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	env.remote.setInboxHandler(slow)

	if _, err := env.dispatcher.PublishPost(ctx, domain.Post{URL: "https://blog.example/posts/1"}); err != nil {
		t.Fatalf("PublishPost failed: %v", err)
	}
	result, err := env.dispatcher.RunDeliveryCycle(ctx)
	if err != nil || result.Delivered != 4 {
		t.Fatalf("result = %+v, %v", result, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak < 2 {
		t.Errorf("expected concurrent deliveries, peak was %d", peak)
	}
}

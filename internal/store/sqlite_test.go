package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/post"
	"postbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	p := &post.Post{
		OwnerID: 42,
		Source:  post.SourceRef{ChatID: 42, MessageID: 7},
		Kind:    post.KindPhoto,
		Body:    "caption here",
		FileID:  "tg-file-1",
	}
	id, err := st.CreatePost(ctx, p)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	got, err := st.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if got.Status != post.StatusDraft {
		t.Fatalf("new post status = %s, want draft", got.Status)
	}
	if got.Kind != post.KindPhoto || got.Body != "caption here" || got.FileID != "tg-file-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.JobID != "" || !got.ScheduledAt.IsZero() {
		t.Fatalf("draft must not carry job state: %+v", got)
	}
}

func TestGetPostNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.GetPost(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPost error = %v, want ErrNotFound", err)
	}
	if err := st.UpdatePost(context.Background(), 999, PostUpdate{Body: ptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdatePost error = %v, want ErrNotFound", err)
	}
}

func TestUpdatePostIfStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreatePost(ctx, &post.Post{OwnerID: 1, Kind: post.KindText, Body: "b"})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}

	cancelled := post.StatusCancelled
	ok, err := st.UpdatePostIfStatus(ctx, id, []post.Status{post.StatusDraft, post.StatusScheduled},
		PostUpdate{Status: &cancelled, JobID: ptr("")})
	if err != nil || !ok {
		t.Fatalf("conditional cancel: ok=%v err=%v", ok, err)
	}

	// A second writer losing the race must not flip the terminal state.
	posted := post.StatusPosted
	ok, err = st.UpdatePostIfStatus(ctx, id, []post.Status{post.StatusDraft, post.StatusScheduled},
		PostUpdate{Status: &posted})
	if err != nil {
		t.Fatalf("conditional post: %v", err)
	}
	if ok {
		t.Fatal("conditional write applied against terminal status")
	}
	got, err := st.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if got.Status != post.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestJobFieldsClearedTogether(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreatePost(ctx, &post.Post{OwnerID: 1, Kind: post.KindText, Destination: -5})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	at := time.Now().Add(10 * time.Minute)
	scheduled := post.StatusScheduled
	if err := st.UpdatePost(ctx, id, PostUpdate{Status: &scheduled, JobID: ptr("job-1"), ScheduledAt: &at}); err != nil {
		t.Fatalf("schedule update: %v", err)
	}
	got, _ := st.GetPost(ctx, id)
	if got.JobID != "job-1" || got.ScheduledAt.IsZero() {
		t.Fatalf("job fields not persisted: %+v", got)
	}

	draft := post.StatusDraft
	var zero time.Time
	if err := st.UpdatePost(ctx, id, PostUpdate{Status: &draft, JobID: ptr(""), ScheduledAt: &zero}); err != nil {
		t.Fatalf("clear update: %v", err)
	}
	got, _ = st.GetPost(ctx, id)
	if got.JobID != "" || !got.ScheduledAt.IsZero() {
		t.Fatalf("job fields not cleared: %+v", got)
	}
}

func TestListByOwnerOrderAndLimit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := st.CreatePost(ctx, &post.Post{OwnerID: 7, Kind: post.KindText, Body: "x"}); err != nil {
			t.Fatalf("CreatePost: %v", err)
		}
	}
	// Another owner's posts must not leak in.
	if _, err := st.CreatePost(ctx, &post.Post{OwnerID: 8, Kind: post.KindText}); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}

	posts, err := st.ListByOwner(ctx, 7, "", 20)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(posts) != 20 {
		t.Fatalf("len = %d, want 20", len(posts))
	}
	for i := 1; i < len(posts); i++ {
		if posts[i-1].ID <= posts[i].ID {
			t.Fatal("expected most-recent-first ordering")
		}
	}
	for _, p := range posts {
		if p.OwnerID != 7 {
			t.Fatalf("foreign owner in listing: %+v", p)
		}
	}

	drafts, err := st.ListByOwner(ctx, 7, post.StatusDraft, 20)
	if err != nil || len(drafts) != 20 {
		t.Fatalf("draft filter: len=%d err=%v", len(drafts), err)
	}
}

func TestListScheduled(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mk := func(at time.Time) int64 {
		id, err := st.CreatePost(ctx, &post.Post{OwnerID: 1, Kind: post.KindText, Destination: -5})
		if err != nil {
			t.Fatalf("CreatePost: %v", err)
		}
		scheduled := post.StatusScheduled
		job := "job-" + at.Format("150405.000")
		if err := st.UpdatePost(ctx, id, PostUpdate{Status: &scheduled, JobID: &job, ScheduledAt: &at}); err != nil {
			t.Fatalf("UpdatePost: %v", err)
		}
		return id
	}
	now := time.Now()
	late := mk(now.Add(2 * time.Hour))
	early := mk(now.Add(1 * time.Hour))
	_, _ = st.CreatePost(ctx, &post.Post{OwnerID: 1, Kind: post.KindText}) // draft, excluded

	got, err := st.ListScheduled(ctx)
	if err != nil {
		t.Fatalf("ListScheduled: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != early || got[1].ID != late {
		t.Fatalf("expected fire-time ordering, got %d then %d", got[0].ID, got[1].ID)
	}
}

func ptr[T any](v T) *T { return &v }

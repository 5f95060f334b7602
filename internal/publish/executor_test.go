package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"postbot/internal/post"
	"postbot/internal/store"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

// ---- fakes ----

type memStore struct {
	mu    sync.Mutex
	next  int64
	posts map[int64]post.Post
	audit []store.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{posts: map[int64]post.Post{}}
}

func (m *memStore) CreatePost(ctx context.Context, p *post.Post) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	p.ID = m.next
	if p.Status == "" {
		p.Status = post.StatusDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.posts[p.ID] = *p
	return p.ID, nil
}

func (m *memStore) GetPost(ctx context.Context, id int64) (*post.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func applyUpdate(p *post.Post, upd store.PostUpdate) {
	if upd.Body != nil {
		p.Body = *upd.Body
	}
	if upd.AttachmentRef != nil {
		p.AttachmentRef = *upd.AttachmentRef
	}
	if upd.Destination != nil {
		p.Destination = *upd.Destination
	}
	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.JobID != nil {
		p.JobID = *upd.JobID
	}
	if upd.ScheduledAt != nil {
		p.ScheduledAt = *upd.ScheduledAt
	}
}

func (m *memStore) UpdatePost(ctx context.Context, id int64, upd store.PostUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return store.ErrNotFound
	}
	applyUpdate(&p, upd)
	m.posts[id] = p
	return nil
}

func (m *memStore) UpdatePostIfStatus(ctx context.Context, id int64, from []post.Status, upd store.PostUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, st := range from {
		if p.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	applyUpdate(&p, upd)
	m.posts[id] = p
	return true, nil
}

func (m *memStore) ListByOwner(ctx context.Context, ownerID int64, statusFilter post.Status, limit int) ([]post.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []post.Post
	for id := m.next; id > 0 && len(out) < limit; id-- {
		p, ok := m.posts[id]
		if !ok || p.OwnerID != ownerID {
			continue
		}
		if statusFilter != "" && p.Status != statusFilter {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) ListScheduled(ctx context.Context) ([]post.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []post.Post
	for _, p := range m.posts {
		if p.Status == post.StatusScheduled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) Close() error { return nil }

type sentText struct {
	to   int64
	text string
}

type sentMedia struct {
	to      int64
	kind    post.ContentKind
	path    string
	caption string
}

type fakeTransport struct {
	mu     sync.Mutex
	texts  []sentText
	media  []sentMedia
	copies []post.SourceRef

	resolvePath string
	resolveErr  error
	sendErr     error

	// onSendText runs before each text send; lets tests race concurrent
	// store writes against an in-flight delivery.
	onSendText func()
}

func (f *fakeTransport) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeTransport) Stop(ctx context.Context) error                               { return nil }

func (f *fakeTransport) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if f.onSendText != nil {
		f.onSendText()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.texts = append(f.texts, sentText{to: to.ChatID, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, to transport.ChatTarget, kind post.ContentKind, path, caption string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.media = append(f.media, sentMedia{to: to.ChatID, kind: kind, path: path, caption: caption})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.media)}, nil
}

func (f *fakeTransport) CopyOriginal(ctx context.Context, to transport.ChatTarget, src post.SourceRef) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.copies = append(f.copies, src)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.copies)}, nil
}

func (f *fakeTransport) ResolveAttachment(ctx context.Context, fileID string, kind post.ContentKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.resolvePath, nil
}

func (f *fakeTransport) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	return nil
}

func (f *fakeTransport) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeTransport) counts() (texts, media, copies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts), len(f.media), len(f.copies)
}

// ---- tests ----

func liveFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestExecuteTextChunksInOrder(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{}
	ex := New(st, tr, Config{Footer: ""}, logx.Nop())

	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindText, Body: strings.Repeat("x", 5000), Destination: -100,
	})
	if err := ex.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(tr.texts) != 2 {
		t.Fatalf("sent %d messages, want 2", len(tr.texts))
	}
	if utf8.RuneCountInString(tr.texts[0].text) != 4096 || utf8.RuneCountInString(tr.texts[1].text) != 904 {
		t.Fatalf("chunk sizes = %d/%d, want 4096/904",
			utf8.RuneCountInString(tr.texts[0].text), utf8.RuneCountInString(tr.texts[1].text))
	}

	got, _ := st.GetPost(context.Background(), id)
	if got.Status != post.StatusPosted {
		t.Fatalf("status = %s, want posted", got.Status)
	}
	if got.JobID != "" || !got.ScheduledAt.IsZero() {
		t.Fatal("job bookkeeping must be cleared on posted")
	}
}

func TestExecuteCancelledIsNoOp(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{}
	ex := New(st, tr, Config{}, logx.Nop())

	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindText, Body: "b", Destination: -100, Status: post.StatusCancelled,
	})
	if err := ex.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute on cancelled post must not error: %v", err)
	}
	texts, media, copies := tr.counts()
	if texts+media+copies != 0 {
		t.Fatal("cancelled post must not touch the transport")
	}
	got, _ := st.GetPost(context.Background(), id)
	if got.Status != post.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestExecuteMissingDestination(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{}
	ex := New(st, tr, Config{}, logx.Nop())

	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindText, Body: "b", Status: post.StatusScheduled, JobID: "j",
	})
	if err := ex.Execute(context.Background(), id); !errors.Is(err, post.ErrMissingDestination) {
		t.Fatalf("Execute error = %v, want ErrMissingDestination", err)
	}
	got, _ := st.GetPost(context.Background(), id)
	if got.Status != post.StatusScheduled {
		t.Fatalf("post must stay scheduled for manual intervention, got %s", got.Status)
	}
}

func TestExecuteMediaWithLiveAttachment(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{}
	ex := New(st, tr, Config{Footer: "f"}, logx.Nop())

	path := liveFile(t)
	body := strings.Repeat("c", 3000)
	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindPhoto, Body: body, AttachmentRef: path, Destination: -100,
	})
	if err := ex.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(tr.media) != 1 {
		t.Fatalf("media sends = %d, want 1", len(tr.media))
	}
	if tr.media[0].path != path || tr.media[0].kind != post.KindPhoto {
		t.Fatalf("unexpected media send: %+v", tr.media[0])
	}
	if utf8.RuneCountInString(tr.media[0].caption) != 1024 {
		t.Fatalf("caption = %d runes, want 1024", utf8.RuneCountInString(tr.media[0].caption))
	}
	rendered := tr.media[0].caption
	for _, s := range tr.texts {
		rendered += s.text
	}
	if rendered != render(body, "f") {
		t.Fatal("caption + overflow must reassemble the rendered body in order")
	}
}

func TestExecuteMediaFallbackWhenUnavailable(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{resolveErr: transport.ErrAttachmentUnavailable}
	ex := New(st, tr, Config{}, logx.Nop())

	var degraded []int64
	ex.OnDegraded = func(postID int64) { degraded = append(degraded, postID) }

	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindPhoto, Body: "caption text", FileID: "gone", Destination: -100,
	})
	if err := ex.Execute(context.Background(), id); err != nil {
		t.Fatalf("fallback delivery must not error: %v", err)
	}

	if len(tr.media) != 0 {
		t.Fatal("no media call may be attempted on fallback")
	}
	if len(tr.texts) != 1 || tr.texts[0].text != "caption text" {
		t.Fatalf("fallback text not delivered: %+v", tr.texts)
	}
	if len(degraded) != 1 || degraded[0] != id {
		t.Fatalf("degraded hook = %v, want [%d]", degraded, id)
	}
	got, _ := st.GetPost(context.Background(), id)
	if got.Status != post.StatusPosted {
		t.Fatalf("status = %s, want posted", got.Status)
	}
}

func TestExecuteVoiceCopiesThenText(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{}
	ex := New(st, tr, Config{Footer: "f"}, logx.Nop())

	src := post.SourceRef{ChatID: 42, MessageID: 9}
	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindVoice, Body: "note", Source: src, Destination: -100,
	})
	if err := ex.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tr.copies) != 1 || tr.copies[0] != src {
		t.Fatalf("original not copied: %+v", tr.copies)
	}
	if len(tr.texts) != 1 || tr.texts[0].text != "note\n\nf" {
		t.Fatalf("follow-up text missing: %+v", tr.texts)
	}
}

func TestExecuteEditDuringDeliveryWins(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	tr := &fakeTransport{}
	ex := New(st, tr, Config{}, logx.Nop())

	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindText, Body: "old", Destination: -100,
		Status: post.StatusScheduled, JobID: "j", ScheduledAt: time.Now(),
	})

	// An edit lands while the fire callback is mid-delivery: the post drops
	// back to draft with a new body before finalize runs.
	tr.onSendText = func() {
		draft := post.StatusDraft
		body := "new"
		empty := ""
		var zero time.Time
		_, _ = st.UpdatePostIfStatus(context.Background(), id,
			[]post.Status{post.StatusScheduled},
			store.PostUpdate{Status: &draft, Body: &body, JobID: &empty, ScheduledAt: &zero})
	}

	if err := ex.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetPost(context.Background(), id)
	if got.Status != post.StatusDraft {
		t.Fatalf("status = %s, the concurrent edit must win", got.Status)
	}
	if got.Body != "new" {
		t.Fatalf("body = %q, want the edited text preserved", got.Body)
	}
}

func TestExecuteTransportFailureKeepsState(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	sendErr := &transport.Error{Op: "send_text", Transient: true, Err: errors.New("flood")}
	tr := &fakeTransport{sendErr: sendErr}
	ex := New(st, tr, Config{}, logx.Nop())

	id, _ := st.CreatePost(context.Background(), &post.Post{
		OwnerID: 1, Kind: post.KindText, Body: "b", Destination: -100,
		Status: post.StatusScheduled, JobID: "j",
	})
	err := ex.Execute(context.Background(), id)
	if err == nil || !transport.IsTransient(err) {
		t.Fatalf("Execute error = %v, want transient transport error", err)
	}
	got, _ := st.GetPost(context.Background(), id)
	if got.Status != post.StatusScheduled || got.JobID != "j" {
		t.Fatalf("pre-publish state not preserved: %+v", got)
	}
}

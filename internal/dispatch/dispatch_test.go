package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/store"
	"github.com/mashvarat/legalchat/internal/worker"
)

// fakeWorker answers after delay, or fails with err.
type fakeWorker struct {
	delay time.Duration
	err   error
	got   []worker.Request
}

func (f *fakeWorker) Dispatch(ctx context.Context, req worker.Request) (*worker.Answer, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ans := &worker.Answer{Message: "پاسخ فوری"}
	ans.Forms = []string{}
	return ans, nil
}

func (f *fakeWorker) Close() error { return nil }

func setup(t *testing.T, w worker.Dispatcher) (*Service, store.Repository, *domain.User, *domain.Session) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	user, err := repo.EnsureUser(ctx, "user_asker")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	sess, err := repo.CreateSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return NewService(repo, w, 50*time.Millisecond), repo, user, sess
}

func TestDispatchCompletedWithinDeadline(t *testing.T) {
	w := &fakeWorker{delay: time.Millisecond}
	svc, repo, user, sess := setup(t, w)

	res, err := svc.Dispatch(context.Background(), user, Input{
		SessionID: sess.ID, ClerkID: "user_asker", Text: "حق طلاق با کیست؟",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != StatusCompleted || res.Answer == nil || res.Answer.Message != "پاسخ فوری" {
		t.Fatalf("Expected completed answer, got %+v", res)
	}
	if res.RequestID == "" {
		t.Error("Expected generated request ID")
	}
	if len(w.got) != 1 || w.got[0].RequestID != res.RequestID {
		t.Errorf("Expected request ID forwarded to worker, got %+v", w.got)
	}

	q, _ := repo.GetQuery(context.Background(), res.RequestID)
	if q == nil || q.Status != domain.QueryCompleted {
		t.Errorf("Expected completed query row, got %+v", q)
	}

	u, _ := repo.GetUserByIdentity(context.Background(), "user_asker")
	if u.UsageThisMonth != 1 || u.UsageTotal != 1 {
		t.Errorf("Expected usage 1/1, got %d/%d", u.UsageThisMonth, u.UsageTotal)
	}
}

func TestDispatchProcessingOnTimeout(t *testing.T) {
	w := &fakeWorker{delay: time.Second}
	svc, repo, user, sess := setup(t, w)

	start := time.Now()
	res, err := svc.Dispatch(context.Background(), user, Input{
		SessionID: sess.ID, ClerkID: "user_asker", Text: "سؤال طولانی", RequestID: "req-client",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected dispatch to return near the deadline, took %v", elapsed)
	}
	if res.Status != StatusProcessing || res.Answer != nil {
		t.Fatalf("Expected processing without answer, got %+v", res)
	}
	if res.RequestID != "req-client" {
		t.Errorf("Expected caller request ID to be kept, got %q", res.RequestID)
	}

	q, _ := repo.GetQuery(context.Background(), "req-client")
	if q == nil || q.Status != domain.QueryProcessing {
		t.Errorf("Expected processing query row, got %+v", q)
	}
}

func TestDispatchProcessingOnWorkerError(t *testing.T) {
	svc, _, user, sess := setup(t, &fakeWorker{err: errors.New("connection refused")})

	res, err := svc.Dispatch(context.Background(), user, Input{
		SessionID: sess.ID, ClerkID: "user_asker", Text: "q",
	})
	if err != nil {
		t.Fatalf("Expected worker errors to be swallowed, got %v", err)
	}
	if res.Status != StatusProcessing {
		t.Errorf("Expected processing, got %s", res.Status)
	}
}

func TestDispatchRejections(t *testing.T) {
	w := &fakeWorker{}
	svc, repo, user, sess := setup(t, w)
	ctx := context.Background()

	other, _ := repo.EnsureUser(ctx, "user_other")
	foreign, _ := repo.CreateSession(ctx, other.ID)

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"missing text", Input{SessionID: sess.ID, ClerkID: "user_asker"}, ErrMissingField},
		{"missing session", Input{ClerkID: "user_asker", Text: "q"}, ErrMissingField},
		{"missing clerk id", Input{SessionID: sess.ID, Text: "q"}, ErrMissingField},
		{"identity mismatch", Input{SessionID: sess.ID, ClerkID: "user_other", Text: "q"}, ErrIdentityMismatch},
		{"foreign session", Input{SessionID: foreign.ID, ClerkID: "user_asker", Text: "q"}, store.ErrSessionNotOwned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Dispatch(ctx, user, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if len(w.got) != 0 {
		t.Errorf("Expected no worker calls for rejected input, got %d", len(w.got))
	}

	blocked := *user
	blocked.IsBlocked = true
	if _, err := svc.Dispatch(ctx, &blocked, Input{SessionID: sess.ID, ClerkID: "user_asker", Text: "q"}); !errors.Is(err, ErrUserBlocked) {
		t.Errorf("Expected ErrUserBlocked, got %v", err)
	}
}

func TestDispatchDuplicateRequestID(t *testing.T) {
	svc, _, user, sess := setup(t, &fakeWorker{err: errors.New("down")})
	ctx := context.Background()
	in := Input{SessionID: sess.ID, ClerkID: "user_asker", Text: "q", RequestID: "req-dup"}

	if _, err := svc.Dispatch(ctx, user, in); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if _, err := svc.Dispatch(ctx, user, in); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("Expected ErrDuplicateRequest, got %v", err)
	}
}
